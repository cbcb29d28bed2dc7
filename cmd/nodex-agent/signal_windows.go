//go:build windows

package main

import "os"

// Windows has no SIGHUP; evaluations only happen on ticks.
func notifyHangup(chan<- os.Signal) {}
