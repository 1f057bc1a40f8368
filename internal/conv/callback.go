// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package conv

import (
	"errors"
	"strings"
)

// MaxCallbackLen is the maximum length of callback data accepted by Telegram.
const MaxCallbackLen = 64

// Callback is the payload of an inline keyboard button: an action with up to
// three positional arguments, encoded as colon-delimited text.
type Callback struct {
	Action string
	Args   [3]string
}

// NewCallback returns a Callback for action. Arguments past the third are
// joined into the third.
func NewCallback(action string, args ...string) Callback {
	c := Callback{Action: action}
	for i, arg := range args {
		if i >= len(c.Args) {
			c.Args[len(c.Args)-1] += ":" + arg
			continue
		}
		c.Args[i] = arg
	}
	return c
}

// ParseCallback parses callback data.
func ParseCallback(data string) (Callback, error) {
	parts := strings.SplitN(data, ":", 4)
	if parts[0] == "" {
		return Callback{}, errors.New("empty callback action")
	}
	c := Callback{Action: parts[0]}
	copy(c.Args[:], parts[1:])
	return c, nil
}

// Arg returns the i-th argument, or an empty string if it's out of range.
func (c Callback) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// App returns the first argument, which by convention is the application
// name.
func (c Callback) App() string { return c.Args[0] }

// String encodes c, omitting empty trailing arguments.
func (c Callback) String() string {
	n := len(c.Args)
	for n > 0 && c.Args[n-1] == "" {
		n--
	}
	parts := append([]string{c.Action}, c.Args[:n]...)
	return strings.Join(parts, ":")
}
