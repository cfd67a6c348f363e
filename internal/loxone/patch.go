package loxone

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrPatchMarkerNotFound is returned when the UI script does not contain
// an expected anchor.
var ErrPatchMarkerNotFound = errors.New("patch marker not found")

const (
	initStatesMarker = "this._initStatesSrc(),"
	elseMarker       = "}else"

	collectHook = "window.collection=window.collection?window.collection:[],window.collection.push(this),"
)

// newStatesReceived(v){ or newStatesReceived:function(v){
var newStatesReceivedRe = regexp.MustCompile(`newStatesReceived\s*(?::\s*function\s*)?\(\s*([A-Za-z_$][\w$]*)\s*\)\s*\{`)

// PatchScript instruments the control script of the web interface:
//   - every constructed control registers itself in window.collection
//   - newStatesReceived reports raw values before processing
//   - newStatesReceived reports the control after processing, ahead of its
//     first else branch
func PatchScript(src string) (string, error) {
	idx := strings.Index(src, initStatesMarker)
	if idx < 0 {
		return "", fmt.Errorf("%w: %q", ErrPatchMarkerNotFound, initStatesMarker)
	}
	at := idx + len(initStatesMarker)
	src = src[:at] + collectHook + src[at:]

	loc := newStatesReceivedRe.FindStringSubmatchIndex(src)
	if loc == nil {
		return "", fmt.Errorf("%w: newStatesReceived", ErrPatchMarkerNotFound)
	}
	param := src[loc[2]:loc[3]]
	bodyStart := loc[1]

	elseIdx := strings.Index(src[bodyStart:], elseMarker)
	if elseIdx < 0 {
		return "", fmt.Errorf("%w: %q after newStatesReceived", ErrPatchMarkerNotFound, elseMarker)
	}
	elseAt := bodyStart + elseIdx

	beforeHook := fmt.Sprintf("window.%s&&window.%s(%s);", hookStatusBefore, hookStatusBefore, param)
	statusHook := fmt.Sprintf(";window.%s&&window.%s(this);", hookStatus, hookStatus)

	var b strings.Builder
	b.Grow(len(src) + len(beforeHook) + len(statusHook))
	b.WriteString(src[:bodyStart])
	b.WriteString(beforeHook)
	b.WriteString(src[bodyStart:elseAt])
	b.WriteString(statusHook)
	b.WriteString(src[elseAt:])
	return b.String(), nil
}
