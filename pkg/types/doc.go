// Package types defines the core data structures shared by the deployer packages.
//
// This package contains:
//   - Roles and phases of a deployment
//   - Commands rendered from the deployment plan
//   - Task lifecycle states and per-task results
package types
