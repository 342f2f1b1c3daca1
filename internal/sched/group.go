package sched

import "strings"

// Group names a family of related jobs and selects the pool they run on.
//
// Identity is the pointer: two Groups constructed with the same name are
// distinct groups and map to distinct pools. The name is a label for logs,
// events and config lookups; nothing requires it to be unique.
type Group struct {
	name string
}

// NewGroup creates a new group identity. Call it once per subsystem and share
// the pointer; constructing a second Group with the same name yields a
// different group.
func NewGroup(name string) *Group {
	return &Group{name: strings.TrimSpace(name)}
}

// Name returns the display name the group was created with.
func (g *Group) Name() string { return g.name }

func (g *Group) String() string { return g.name }
