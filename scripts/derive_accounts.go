// derive_accounts.go prints the derivation path, pubkey and address of the
// first accounts of a seed phrase, matching what an HD keychain or the CLI's
// device emulator registers.
// Usage: go run scripts/derive_accounts.go <mnemonic-file> [count]
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Klingon-tech/klingnet-vault/internal/keychain"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: derive_accounts <mnemonic-file> [count]")
		os.Exit(1)
	}
	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		fail(err)
	}
	count := uint64(1)
	if len(os.Args) > 2 {
		if count, err = strconv.ParseUint(os.Args[2], 10, 32); err != nil {
			fail(err)
		}
	}

	mnemonic := strings.Join(strings.Fields(string(data)), " ")
	if !keychain.ValidateMnemonic(mnemonic) {
		fail(fmt.Errorf("invalid mnemonic"))
	}
	seed, err := keychain.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		fail(err)
	}
	master, err := keychain.NewMasterKey(seed)
	if err != nil {
		fail(err)
	}
	for i := uint32(0); i < uint32(count); i++ {
		key, err := master.DeriveAccount(i)
		if err != nil {
			fail(err)
		}
		fmt.Printf("path=%s pubkey=%s address=%s\n",
			keychain.AccountPath(i), hex.EncodeToString(key.PublicKeyBytes()), key.Address())
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
