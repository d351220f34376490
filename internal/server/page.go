package server

import "epicnft/internal/minter"

//go:generate go run github.com/a-h/templ/cmd/templ@v0.2.793 generate -f page.templ

// pageData is everything the mint page renders.
type pageData struct {
	State         minter.State
	HasWallet     bool
	SignedMints   bool
	Notices       []minter.Notice
	CollectionURL string
	TwitterHandle string
}
