package main

import (
	"github.com/havenpkg/haven/pkg/cmd"
)

func main() {
	cmd.Execute()
}
