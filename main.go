// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("go-kiosksync - offline-resilient sync and cache for self-service kiosks")
	fmt.Println("======================================================================")
	fmt.Println()
	fmt.Println("Catalog reads fall back to a local SQLite cache when the backend is down,")
	fmt.Println("sales are recorded locally before any network send, and a background sweep")
	fmt.Println("delivers queued transactions and telemetry once the backend answers again.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println("  kiosksync  - cache/sync engine and scheduler")
	fmt.Println("  localstore - SQLite catalog cache, transactions and sync queue")
	fmt.Println("  remote     - backend HTTP client")
	fmt.Println("  session    - kiosk authentication and token refresh")
	fmt.Println("  cart       - shopping cart and checkout")
	fmt.Println("  config     - defaults, .env and KIOSK_* environment")
	fmt.Println()

	fmt.Println("Example:")
	fmt.Println("  Kiosk terminal (examples/kiosk_terminal/)")
	fmt.Println("  Runs a kiosk against an in-process demo backend, takes the backend down")
	fmt.Println("  mid-session and shows offline sales syncing when it returns.")
	fmt.Println("  Run: go run ./examples/kiosk_terminal -status :9090")
	fmt.Println()
}
