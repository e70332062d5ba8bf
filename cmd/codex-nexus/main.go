// Codex Nexus multiplexes Codex requests across a pool of OAuth accounts.
//
// Usage:
//
//	# Log a new account in via the browser
//	codex-nexus auth login
//
//	# Inspect the pool
//	codex-nexus accounts list
//	codex-nexus accounts health
//
//	# Manage accounts
//	codex-nexus accounts switch dev@example.com
//	codex-nexus accounts remove 2
//	codex-nexus accounts export backup.json
package main

import "github.com/joho/godotenv"

func main() {
	// A .env next to the binary is optional.
	_ = godotenv.Load()
	Execute()
}
