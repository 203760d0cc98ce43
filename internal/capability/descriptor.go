// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package capability

import (
	"github.com/samber/oops"

	"github.com/holomush/caphost/pkg/errutil"
)

// DefaultBindingName is the binding name used when the caller supplies none.
const DefaultBindingName = "default"

// Descriptor identifies one provider instance: a capability type plus the
// binding name distinguishing instances of that type. Two descriptors are
// equal iff both fields are equal, so Descriptor is usable as a map key.
type Descriptor struct {
	Capability string `json:"capability"`
	Binding    string `json:"binding"`
}

// NewDescriptor builds a descriptor, substituting DefaultBindingName for an
// empty binding name.
func NewDescriptor(capabilityType, bindingName string) Descriptor {
	if bindingName == "" {
		bindingName = DefaultBindingName
	}
	return Descriptor{Capability: capabilityType, Binding: bindingName}
}

// String renders the descriptor as "capability/binding".
func (d Descriptor) String() string {
	return d.Capability + "/" + d.Binding
}

// IsDefault reports whether the descriptor uses the default binding name.
func (d Descriptor) IsDefault() bool {
	return d.Binding == DefaultBindingName
}

// Validate rejects descriptors with an empty capability type.
func (d Descriptor) Validate() error {
	if d.Capability == "" {
		return oops.Code(errutil.CodeInvalidArgument).Errorf("capability type cannot be empty")
	}
	if d.Binding == "" {
		return oops.Code(errutil.CodeInvalidArgument).
			With("capability", d.Capability).
			Errorf("binding name cannot be empty; use NewDescriptor")
	}
	return nil
}
