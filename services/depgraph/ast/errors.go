// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ast implements the dependency-graph analyzer for Go modules.
//
// GoAnalyzer parses package sources with tree-sitter and answers the
// questions the graph builder asks about type declarations: what a type
// is, what it references, and what references it.
package ast

import "errors"

var (
	// ErrNoModule is returned when the root directory has no go.mod.
	ErrNoModule = errors.New("no go.mod found")

	// ErrExternalPackage is returned for entities outside the module.
	ErrExternalPackage = errors.New("package is outside the module")

	// ErrUnknownEntity is returned when an entity ID does not name a
	// declared type.
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrMalformedID is returned for entity IDs that cannot be split into
	// an import path and a type name.
	ErrMalformedID = errors.New("malformed entity ID")

	// ErrFileTooLarge is returned when a source file exceeds the size limit.
	ErrFileTooLarge = errors.New("file exceeds maximum size limit")
)
