package main

import "github.com/mirkobrombin/go-txstate/pkg/codec"

// Note is the payload of operations created from the command line.
type Note struct {
	Text string
}

func registerPayloads(reg *codec.Registry) {
	reg.MustRegister("txstate.Note", Note{})
}
