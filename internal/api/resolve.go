package api

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Parameter keys on the /bc shortcut route.
const (
	argTarget  = "player"
	argPayload = "comm"
	argType    = "type"
)

// DefaultCommMessageID is the message id the /bc route broadcasts under.
const DefaultCommMessageID = "busComm"

// broadcastToken is the canonical lowercase token downstream bus clients
// understand. Sentinel aliases are rewritten to this before the envelope is
// built.
const broadcastToken = "all"

var broadcastAliases = map[string]struct{}{
	"ALL":       {},
	"*":         {},
	"EVERYONE":  {},
	"BROADCAST": {},
}

var ErrInvalidRequest = errors.New("invalid request")

// IsBroadcastTarget reports whether target names everyone. Matching is
// case-insensitive on the whitespace-trimmed input.
func IsBroadcastTarget(target string) bool {
	_, ok := broadcastAliases[strings.ToUpper(strings.TrimSpace(target))]
	return ok
}

// Resolve turns a raw target, a payload, and the remaining query parameters
// into a message envelope and a target spec.
//
// Pure data transformation: no I/O, no blocking. Both target and payload must
// be non-empty or the request is rejected before anything reaches the bridge.
// Extra parameters are merged into the args verbatim (first value wins); they
// can never overwrite the canonical target/payload keys, and the transport's
// "type" key is dropped.
func Resolve(target, payload string, extras url.Values) (Envelope, TargetSpec, error) {
	target = strings.TrimSpace(target)
	payload = strings.TrimSpace(payload)
	if target == "" || payload == "" {
		return Envelope{}, TargetSpec{}, fmt.Errorf("%w: missing required parameters: %s and %s",
			ErrInvalidRequest, argTarget, argPayload)
	}

	spec := TargetSpec{}
	canonical := target
	if IsBroadcastTarget(target) {
		spec.Broadcast = true
		canonical = broadcastToken
	} else {
		spec.ClientID = target
	}

	args := map[string]string{
		argTarget:  canonical,
		argPayload: payload,
	}
	for key, values := range extras {
		switch key {
		case argTarget, argPayload, argType:
			continue
		}
		if len(values) == 0 || values[0] == "" {
			continue
		}
		args[key] = values[0]
	}

	return Envelope{MessageID: DefaultCommMessageID, Args: args}, spec, nil
}
