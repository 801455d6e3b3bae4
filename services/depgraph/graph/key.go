// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"cmp"
	"fmt"
)

// KeyKind discriminates NodeKey variants.
type KeyKind int

const (
	// KeyKindType identifies a named type by qualified name and file.
	KeyKindType KeyKind = iota + 1

	// KeyKindMember identifies a member of a type. Reserved: the builder
	// only produces type keys today.
	KeyKindMember
)

// String returns the string representation of the KeyKind.
func (k KeyKind) String() string {
	switch k {
	case KeyKindType:
		return "type"
	case KeyKindMember:
		return "member"
	default:
		return "unknown"
	}
}

// NodeKey is the identity of a graph vertex.
//
// NodeKey is a closed tagged union: Kind selects the variant and decides
// which fields identify it. Keys are comparable values and may be used
// directly as map keys; two keys are equal iff kind and all fields match.
// Construct keys with TypeKey or MemberKey.
type NodeKey struct {
	Kind KeyKind

	// Name is the fully-qualified type name (for both kinds, the owner type).
	Name string

	// File is the file the type originates from.
	File string

	// Member is the member name. Empty for type keys.
	Member string
}

// TypeKey creates a type-level key.
func TypeKey(qualifiedName, file string) NodeKey {
	return NodeKey{Kind: KeyKindType, Name: qualifiedName, File: file}
}

// MemberKey creates a member-level key owned by the given type key.
func MemberKey(owner NodeKey, member string) NodeKey {
	return NodeKey{Kind: KeyKindMember, Name: owner.Name, File: owner.File, Member: member}
}

// Validate checks that the key is a known variant with its identifying
// fields set.
func (k NodeKey) Validate() error {
	switch k.Kind {
	case KeyKindType:
		if k.Name == "" {
			return fmt.Errorf("%w: type key without name", ErrInvalidKey)
		}
		if k.Member != "" {
			return fmt.Errorf("%w: type key with member %q", ErrInvalidKey, k.Member)
		}
		return nil
	case KeyKindMember:
		if k.Name == "" || k.Member == "" {
			return fmt.Errorf("%w: member key needs owner and member", ErrInvalidKey)
		}
		return nil
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidKey, int(k.Kind))
	}
}

// Owner returns the type key owning this key. Type keys own themselves.
func (k NodeKey) Owner() NodeKey {
	switch k.Kind {
	case KeyKindMember:
		return TypeKey(k.Name, k.File)
	default:
		return k
	}
}

// String returns a stable, human-readable form of the key.
func (k NodeKey) String() string {
	switch k.Kind {
	case KeyKindType:
		return fmt.Sprintf("type:%s@%s", k.Name, k.File)
	case KeyKindMember:
		return fmt.Sprintf("member:%s.%s@%s", k.Name, k.Member, k.File)
	default:
		return fmt.Sprintf("unknown(%d):%s@%s", int(k.Kind), k.Name, k.File)
	}
}

// CompareKeys orders keys by kind, name, file and member.
func CompareKeys(a, b NodeKey) int {
	if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	if c := cmp.Compare(a.File, b.File); c != 0 {
		return c
	}
	return cmp.Compare(a.Member, b.Member)
}
