// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package executor

import "fmt"

// NotFoundError reports a request for an endpoint that does not exist in
// the current generation.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// ForbiddenError reports a caller whose scope set does not satisfy the
// endpoint's requirements. Distinct from a policy denial: the request never
// reached policy evaluation.
type ForbiddenError struct {
	MissingScope string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: missing required scope %q", e.MissingScope)
}
