// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package deploy

import (
	"errors"
	"strings"
)

// Var is a config var users may edit.
type Var struct {
	Name string
	// Bool variables take "true" or "false".
	Bool        bool
	Description string
}

// EditableVars are the config vars users may edit.
var EditableVars = []Var{
	{Name: "PREFIX", Description: "Command prefix"},
	{Name: "SUDO", Description: "Comma-separated phone numbers allowed to use sudo commands"},
	{Name: "STICKER_PACKNAME", Description: "Sticker pack name and author"},
	{Name: "AUTO_STATUS_VIEW", Description: "Status viewing mode, like no-dl or false"},
	{Name: "ALWAYS_ONLINE", Bool: true, Description: "Stay online"},
	{Name: "DISABLE_START_MESSAGE", Bool: true, Description: "Don't send the start message"},
	{Name: "REJECT_CALL", Bool: true, Description: "Reject incoming calls"},
	{Name: "PM_BLOCKER", Bool: true, Description: "Block private messages from strangers"},
	{Name: "ANTI_DELETE", Bool: true, Description: "Recover deleted messages"},
}

// LookupVar returns the editable var with the name.
func LookupVar(name string) (Var, bool) {
	for _, v := range EditableVars {
		if v.Name == name {
			return v, true
		}
	}
	return Var{}, false
}

// Check validates a value of the variable.
func (v Var) Check(value string) error {
	if v.Bool {
		if value != "true" && value != "false" {
			return errors.New(v.Name + " must be true or false")
		}
		return nil
	}
	if strings.TrimSpace(value) == "" {
		return errors.New(v.Name + " can't be empty")
	}
	if len(value) > 500 {
		return errors.New(v.Name + " is too long")
	}
	return nil
}
