// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package classifier

import "errors"

// ErrDuplicate is returned by Insert when a visible rule with identical
// (mask, value, priority) already exists at the insertion version
// (spec.md §7).
var ErrDuplicate = errors.New("classifier: duplicate rule")

// ErrLimit is returned when a configuration request exceeds the fixed
// limits spec.md §7 sets: at most 3 prefix-trie fields, at most 3 staged
// segments.
var ErrLimit = errors.New("classifier: configuration limit exceeded")
