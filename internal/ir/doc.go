// Package ir provides the value model and shared record types for statekit.
//
// All other internal packages import ir; ir imports nothing internal. This
// keeps the value model the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - NO float types anywhere - use int64 for numbers
//   - State trees are immutable once published; SetPath copies along the path
//   - All JSON tags use snake_case
//   - Logical sequence numbers only, never wall-clock ordering
package ir
