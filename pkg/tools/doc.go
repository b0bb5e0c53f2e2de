// Package tools holds the tool registry the agent loop draws from.
//
// Tools are registered with a declarative parameter list that is
// compiled to a JSON Schema; every execution validates its parameters
// against that schema before the handler runs. The registry is safe for
// concurrent use and supports hot reloading of manifest-defined tools.
package tools
