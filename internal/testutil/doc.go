// Package testutil holds deterministic doubles shared by package tests and
// the scenario harness.
package testutil
