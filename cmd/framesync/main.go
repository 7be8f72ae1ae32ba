package main

import "github.com/bryanchriswhite/FrameSync/cmd/framesync/commands"

func main() {
	commands.Execute()
}
