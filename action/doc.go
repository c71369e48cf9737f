// Package action defines the closed set of browser action variants the
// engine can dispatch, the registry that decodes serialized descriptors
// into them, and the interaction/credential interfaces they execute
// against.
//
// Variants: navigate, click, type, extract, wait, screenshot. New variants
// are added by registering a decoder on the Registry; the engine never
// probes action shapes at runtime.
package action
