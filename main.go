package main

import "github.com/AvaProtocol/ap-wallet/cmd"

func main() {
	cmd.Execute()
}
