// Package domain holds the values passed between relay's packages: jobs and
// their targets, message templates, credentials, job states and the sentinel
// errors callers match with errors.Is.
//
// It imports nothing from internal/ and carries no I/O; validation lives
// here only when it is a pure function of the value.
package domain
