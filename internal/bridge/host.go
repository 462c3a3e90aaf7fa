// Package bridge performs request/response calls against a host application
// that only offers fire-and-forget script invocation plus a later callback to a
// global function by name.
package bridge

import (
	"context"
	"fmt"
	"strings"
)

// DefaultDispatcherScript is the host script every call is routed through. It
// runs the requested script and calls back into the page.
const DefaultDispatcherScript = "callback (jsb)"

// ScriptOption controls how the host treats a script that is already running.
type ScriptOption string

const (
	OptionContinue ScriptOption = "0"
	OptionHalt     ScriptOption = "1"
	OptionExit     ScriptOption = "2"
	OptionResume   ScriptOption = "3"
	OptionPause    ScriptOption = "4"
	OptionSuspend  ScriptOption = "5"
)

var optionNames = map[string]ScriptOption{
	"continue": OptionContinue,
	"halt":     OptionHalt,
	"exit":     OptionExit,
	"resume":   OptionResume,
	"pause":    OptionPause,
	"suspend":  OptionSuspend,
}

// Valid reports whether o is one of the six host options.
func (o ScriptOption) Valid() bool {
	return o >= OptionContinue && o <= OptionSuspend && len(o) == 1
}

// ParseScriptOption accepts an option name or its numeric value. An empty
// string yields OptionSuspend.
func ParseScriptOption(s string) (ScriptOption, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return OptionSuspend, nil
	}
	if o, ok := optionNames[s]; ok {
		return o, nil
	}
	if o := ScriptOption(s); o.Valid() {
		return o, nil
	}
	return "", fmt.Errorf("unknown script option %q", s)
}

// DeliverFunc receives the three string arguments the host passes to a
// callback: the result, an unused parameter and the error payload.
type DeliverFunc func(result, parameter, errPayload string)

// Host is the page-side bridge object.
type Host interface {
	// Available reports whether the host bridge object is present yet.
	Available(ctx context.Context) (bool, error)
	// Install makes name a globally addressable callback that forwards to deliver.
	Install(ctx context.Context, name string, deliver DeliverFunc) error
	// Uninstall removes a callback that will never be invoked.
	Uninstall(ctx context.Context, name string) error
	// Perform fires script with param and returns without waiting for a result.
	Perform(ctx context.Context, script, param string, option ScriptOption) error
}
