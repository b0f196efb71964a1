// Package mocks provides testify mocks of the go-ble backend seams and of
// go-ble advertisements.
package mocks
