// Package model defines the core entities of the registry: data keys,
// connection identities, registrations, datums, and the slot table.
package model

import (
	"fmt"
	"strings"
)

// dataInfoIDSeparator joins the three parts of a DataInfoID in its
// rendered form. The rendered string is used as a map key throughout the
// session and data tiers, so the separator must never occur in a dataId.
const dataInfoIDSeparator = "#@#"

// DefaultGroup is used when a client registers without an explicit group.
const DefaultGroup = "DEFAULT_GROUP"

// DefaultInstanceID is used when a client registers without an instance id.
const DefaultInstanceID = "DEFAULT_INSTANCE_ID"

// DataInfoID is the logical key of a published topic. It is composed of the
// client-visible dataId plus the group and instance namespaces.
type DataInfoID struct {
	DataID     string
	Group      string
	InstanceID string
}

// NewDataInfoID builds a DataInfoID, substituting defaults for empty
// group/instance parts.
func NewDataInfoID(dataID, group, instanceID string) DataInfoID {
	if group == "" {
		group = DefaultGroup
	}
	if instanceID == "" {
		instanceID = DefaultInstanceID
	}
	return DataInfoID{DataID: dataID, Group: group, InstanceID: instanceID}
}

// String renders the key as dataId#@#instanceId#@#group.
func (d DataInfoID) String() string {
	return d.DataID + dataInfoIDSeparator + d.InstanceID + dataInfoIDSeparator + d.Group
}

// ParseDataInfoID parses the rendered form produced by String.
func ParseDataInfoID(s string) (DataInfoID, error) {
	parts := strings.Split(s, dataInfoIDSeparator)
	if len(parts) != 3 || parts[0] == "" {
		return DataInfoID{}, fmt.Errorf("invalid dataInfoId %q", s)
	}
	return DataInfoID{DataID: parts[0], InstanceID: parts[1], Group: parts[2]}, nil
}
