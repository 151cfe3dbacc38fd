package main

import (
	"bgechat/server"
)

func main() {
	s := server.NewServer()
	s.Start(s.Config.Server.Addr)
}
