// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package classifier

import "math"

// Version is an opaque, totally-ordered visibility stamp chosen by the
// caller (spec.md §4.7). The classifier never reads wall-clock time or
// otherwise interprets a Version beyond ordering comparisons.
type Version uint64

// VersionNever is the removed_in sentinel meaning "never removed".
const VersionNever Version = math.MaxUint64
