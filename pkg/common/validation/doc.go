// Package validation provides the field validators shared by policy,
// logging and service configuration.
//
// Every validator returns a *errors.ValidationError naming the module and
// field, so configuration mistakes read the same wherever they are caught.
package validation
