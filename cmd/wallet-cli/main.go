package main

import "wallet-ledger/cmd/wallet-cli/cmd"

func main() {
	cmd.Execute()
}
