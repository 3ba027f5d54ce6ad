// Package buildsys loads styleguide task scripts written in Starlark and runs the declared tasks.
//
// A script declares named path roots with config() and tasks inside its configure() function. Composite tasks
// are ordered lists of task names, leaf tasks (sass, batch, clean, copy, connect, watch, fetch) carry typed options
// which may reference the path roots through <%= app.name %> placeholders. The Runner expands and validates a
// whole invocation before it executes the first leaf.
package buildsys
