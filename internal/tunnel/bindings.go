package tunnel

import (
	"context"
	"time"
)

// Prompter asks the local user for consent before a sub-protocol starts.
// Implementations must honor ctx cancellation (the tunnel may close while
// the prompt is open). A false answer or a timeout means rejection.
type Prompter interface {
	Prompt(ctx context.Context, title, message string, timeout time.Duration) (bool, error)
}

// Notifier shows a local notification that requires no answer.
type Notifier interface {
	Notify(title, message string)
}

// PluginSession is one tunnel's attachment to the local plugin exchange.
type PluginSession interface {
	// Deliver hands inbound tunnel payload to the plugin side.
	Deliver(data []byte, text bool)
	Close()
}

// PluginHost accepts generic plugin-channel tunnels. send pushes plugin
// output back to the tunnel peer.
type PluginHost interface {
	Attach(send func(data []byte, text bool)) (PluginSession, error)
}

// binding is the tunnel's owned handle to exactly one local resource.
// deliver routes inbound payload into the resource; release tears the
// resource down. Both are called from the tunnel's own handler only.
type binding struct {
	category string
	deliver  func(data []byte, text, raw bool)
	release  func()
}
