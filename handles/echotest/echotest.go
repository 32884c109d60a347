// Package echotest is a minimal reference plugin Handle demonstrating the
// HandleMessage hook contract end-to-end, grounded on
// janus.plugin.echotest's request/response shape.
package echotest

import (
	"github.com/janode-go/janode"
)

// Plugin is the server-side plugin id this Handle attaches to.
const Plugin = "janus.plugin.echotest"

// EchoHandle embeds the generic Handle and recognizes echotest's
// `{result: "..."}` response body, surfacing it as a "result" PluginEvent.
type EchoHandle struct {
	*janode.Handle
}

// NewFactory returns a janode.HandleFactory that wraps a freshly attached
// base Handle in an *EchoHandle, for use with Session.Attach.
func NewFactory() janode.HandleFactory {
	return func(base *janode.Handle) janode.HandleMessenger {
		return &EchoHandle{Handle: base}
	}
}

// HandleMessage recognizes echotest's plugindata.data.result field and
// surfaces it as a "result" event; any other shape is left unrecognized so
// the generic routing rules apply.
func (e *EchoHandle) HandleMessage(raw janode.Message) *janode.PluginEvent {
	plugindata, ok := raw["plugindata"].(map[string]any)
	if !ok {
		return nil
	}
	data, ok := plugindata["data"].(map[string]any)
	if !ok {
		return nil
	}
	result, ok := data["result"]
	if !ok {
		return nil
	}

	event := "result"
	return &janode.PluginEvent{
		Event: &event,
		Data:  map[string]any{"result": result},
	}
}
