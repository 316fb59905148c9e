package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/unicornultrafoundation/veilgo/internal/identity"
)

var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `veilgo-cli %s — key management for veilgo

Usage:
  veilgo-cli genkey                 generate a private key (hex, stdout)
  veilgo-cli pubkey <private-hex>   derive the public key
  veilgo-cli genpsk                 generate a pre-shared key
  veilgo-cli show <identity-file>   print the keys of an identity file
`, version)
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	switch args[0] {
	case "genkey":
		id, err := identity.Generate()
		if err != nil {
			fatal(err)
		}
		fmt.Println(id.PrivateKeyHex())

	case "pubkey":
		if len(args) != 2 {
			usage()
		}
		raw, err := hex.DecodeString(args[1])
		if err != nil || len(raw) != identity.PrivateKeySize {
			fatal(fmt.Errorf("private key must be %d hex bytes", identity.PrivateKeySize))
		}
		var sk [identity.PrivateKeySize]byte
		copy(sk[:], raw)
		id, err := identity.FromPrivateKey(sk)
		if err != nil {
			fatal(err)
		}
		fmt.Println(id.PublicKeyHex())

	case "genpsk":
		var psk [32]byte
		if _, err := rand.Read(psk[:]); err != nil {
			fatal(err)
		}
		fmt.Println(hex.EncodeToString(psk[:]))

	case "show":
		if len(args) != 2 {
			usage()
		}
		id, err := identity.LoadOrGenerate(args[1])
		if err != nil {
			fatal(err)
		}
		fmt.Printf("private key: %s\npublic key:  %s\n", id.PrivateKeyHex(), id.PublicKeyHex())

	default:
		usage()
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
