// Package domains is the closed catalog of CDP capability domains the
// session layer knows how to bring up and tear down.
package domains

import (
	"fmt"

	"github.com/chromedp/cdproto/dom"
	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/cdproto/runtime"
)

// Name identifies a protocol capability domain.
type Name string

const (
	Page        Name = "Page"
	Runtime     Name = "Runtime"
	Network     Name = "Network"
	DOM         Name = "DOM"
	Log         Name = "Log"
	Performance Name = "Performance"
)

// Descriptor ties a domain to its enable/disable commands. Critical
// domains abort session bring-up when their enable fails; auxiliary
// ones only log a warning.
type Descriptor struct {
	Name     Name
	Enable   string
	Disable  string
	Critical bool
}

// BringUp returns the fixed, ordered enable sequence run when a session
// attaches. Structural domains come before the ones that augment them:
// Page before DOM, Runtime before Log.
func BringUp() []Descriptor {
	return []Descriptor{
		{Name: Page, Enable: page.CommandEnable, Disable: page.CommandDisable, Critical: true},
		{Name: Runtime, Enable: runtime.CommandEnable, Disable: runtime.CommandDisable, Critical: true},
		{Name: Network, Enable: network.CommandEnable, Disable: network.CommandDisable, Critical: true},
		{Name: DOM, Enable: dom.CommandEnable, Disable: dom.CommandDisable, Critical: false},
		{Name: Log, Enable: cdplog.CommandEnable, Disable: cdplog.CommandDisable, Critical: false},
		{Name: Performance, Enable: performance.CommandEnable, Disable: performance.CommandDisable, Critical: false},
	}
}

// Lookup returns the catalog descriptor for name. Unknown domains get a
// synthesized descriptor following the "<Domain>.enable" convention and
// are treated as auxiliary.
func Lookup(name Name) Descriptor {
	for _, d := range BringUp() {
		if d.Name == name {
			return d
		}
	}
	return Descriptor{
		Name:    name,
		Enable:  fmt.Sprintf("%s.enable", name),
		Disable: fmt.Sprintf("%s.disable", name),
	}
}
