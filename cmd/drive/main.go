// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command drive manages archives through a running drive daemon.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := root().Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
