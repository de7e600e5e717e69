// klingvault-cli is the approval UI for a klingvaultd wallet. It talks to the
// daemon over the /approval websocket.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Klingon-tech/klingnet-vault/internal/engine"
	"github.com/Klingon-tech/klingnet-vault/internal/hwbridge"
	"github.com/Klingon-tech/klingnet-vault/internal/keychain"
	"github.com/Klingon-tech/klingnet-vault/internal/relay"
	"github.com/Klingon-tech/klingnet-vault/internal/requests"
	"github.com/Klingon-tech/klingnet-vault/pkg/crypto"
	"github.com/Klingon-tech/klingnet-vault/pkg/types"
	"github.com/gorilla/websocket"
	"golang.org/x/term"
)

const callTimeout = 30 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	wsURL := "ws://127.0.0.1:8555"
	token := os.Getenv("KLINGVAULT_TOKEN")

	// Scan for --url and --token before the subcommand.
	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--url" && len(args) > 1:
			wsURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--url="):
			wsURL = args[0][len("--url="):]
			args = args[1:]
		case args[0] == "--token" && len(args) > 1:
			token = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--token="):
			token = args[0][len("--token="):]
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cmd := args[0]
	cmdArgs := args[1:]
	if cmd == "help" || cmd == "--help" || cmd == "-h" {
		usage()
		return
	}

	ui := dial(wsURL, token)
	defer ui.Close()

	switch cmd {
	case "status":
		cmdStatus(ui)
	case "create":
		cmdCreate(ui)
	case "unlock":
		cmdUnlock(ui)
	case "lock":
		cmdLock(ui)
	case "accounts":
		cmdAccounts(ui)
	case "account":
		cmdAccount(ui, cmdArgs)
	case "keychain":
		cmdKeychain(ui, cmdArgs)
	case "requests":
		cmdRequests(ui, cmdArgs)
	case "sessions":
		cmdSessions(ui, cmdArgs)
	case "watch":
		cmdWatch(ui, cmdArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: klingvault-cli [global flags] <command> [flags]

Global flags:
  --url <ws-url>      Daemon address (default: ws://127.0.0.1:8555)
  --token <token>     Approval token (default: $KLINGVAULT_TOKEN)

Vault:
  status                          Show vault state
  create                          Create the vault (prompts for a password)
  unlock                          Unlock the vault
  lock                            Lock the vault

Keys:
  accounts                        List keychains and their accounts
  account add --id <keychain>     Derive the next account of an HD keychain
  account remove <address>        Remove an account
  account export <address>        Print an account's private key
  keychain add-hd [--mnemonic <words> | --generate] [--discover]
                                  Add an HD keychain
  keychain add-key --key <hex>    Import a private key
  keychain add-watch --address <addr>
                                  Add a watch-only address
  keychain add-hardware --mnemonic <words> [--vendor Ledger] [--device <id>] [--count 1]
                                  Register an emulated hardware device
  keychain export <keychain>      Print a keychain's seed phrase or key

Requests:
  requests list                   List pending requests
  requests approve <id> [--account <addr>] [--chain <id>]
                                  Approve a request
  requests reject <id>            Reject a request
  sessions list                   List connected apps
  sessions revoke <host>          Disconnect an app
  watch [--device-mnemonic <words>] [--vendor Ledger]
                                  Follow the queue interactively and answer
                                  hardware signing requests
`)
}

// dial opens the approval channel and wraps it in a relay messenger.
func dial(wsURL, token string) *relay.Messenger {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(strings.TrimSuffix(wsURL, "/")+"/approval", header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			fatal("approval token rejected")
		}
		fatal("connect %s: %v", wsURL, err)
	}
	return relay.Attach(relay.ContextApproval, relay.NewWSPort("daemon", conn))
}

func call(ui *relay.Messenger, topic string, payload, out any) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := ui.Call(ctx, topic, payload, out); err != nil {
		fatal("%s: %v", topic, err)
	}
}

// ── vault ───────────────────────────────────────────────────────────────

func cmdStatus(ui *relay.Messenger) {
	var st engine.VaultStatus
	call(ui, engine.TopicVaultStatus, nil, &st)
	printStatus(st)
}

func printStatus(st engine.VaultStatus) {
	fmt.Printf("Vault:     %v\n", st.HasVault)
	fmt.Printf("Unlocked:  %v\n", st.Unlocked)
	fmt.Printf("State:     %s\n", st.State)
	fmt.Printf("Pending:   %d\n", st.Pending)
}

func cmdCreate(ui *relay.Messenger) {
	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	if string(password) != string(confirm) {
		fatal("passwords do not match")
	}
	var st engine.VaultStatus
	call(ui, engine.TopicVaultCreate, engine.PasswordParams{Password: string(password)}, &st)
	printStatus(st)
}

func cmdUnlock(ui *relay.Messenger) {
	password, err := readPassword("Password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	var st engine.VaultStatus
	call(ui, engine.TopicVaultUnlock, engine.PasswordParams{Password: string(password)}, &st)
	printStatus(st)
}

func cmdLock(ui *relay.Messenger) {
	var st engine.VaultStatus
	call(ui, engine.TopicVaultLock, nil, &st)
	printStatus(st)
}

// ── keys ────────────────────────────────────────────────────────────────

func cmdAccounts(ui *relay.Messenger) {
	var wallets []keychain.Wallet
	call(ui, engine.TopicAccountsList, nil, &wallets)
	if len(wallets) == 0 {
		fmt.Println("No keychains.")
		return
	}
	for _, w := range wallets {
		label := w.Kind.String()
		if w.Vendor != types.VendorNone {
			label += " (" + w.Vendor.String() + ")"
		}
		if w.Imported {
			label += ", imported"
		}
		fmt.Printf("%s  %s\n", w.ID, label)
		for _, addr := range w.Accounts {
			fmt.Printf("  %s\n", addr)
		}
	}
}

func cmdAccount(ui *relay.Messenger, args []string) {
	if len(args) < 1 {
		fatal("Usage: klingvault-cli account <add|remove|export> [flags]")
	}
	switch args[0] {
	case "add":
		fs := flag.NewFlagSet("account add", flag.ExitOnError)
		id := fs.String("id", "", "HD keychain id")
		fs.Parse(args[1:])
		if *id == "" {
			fatal("Usage: klingvault-cli account add --id <keychain>")
		}
		var addr types.Address
		call(ui, engine.TopicAccountsAdd, engine.AccountParams{ID: *id}, &addr)
		fmt.Println(addr)
	case "remove":
		if len(args) < 2 {
			fatal("Usage: klingvault-cli account remove <address>")
		}
		addr, err := types.ParseAddress(args[1])
		if err != nil {
			fatal("invalid address: %v", err)
		}
		call(ui, engine.TopicAccountsRemove, engine.AccountParams{Address: addr}, nil)
		fmt.Printf("Removed %s\n", addr)
	case "export":
		if len(args) < 2 {
			fatal("Usage: klingvault-cli account export <address>")
		}
		addr, err := types.ParseAddress(args[1])
		if err != nil {
			fatal("invalid address: %v", err)
		}
		exportSecret(ui, engine.TopicAccountsExport, engine.ExportParams{Address: addr})
	default:
		fatal("Unknown account command: %s", args[0])
	}
}

func cmdKeychain(ui *relay.Messenger, args []string) {
	if len(args) < 1 {
		fatal("Usage: klingvault-cli keychain <add-hd|add-key|add-watch|add-hardware|export> [flags]")
	}
	var p engine.KeychainParams
	switch args[0] {
	case "export":
		if len(args) < 2 {
			fatal("Usage: klingvault-cli keychain export <keychain>")
		}
		exportSecret(ui, engine.TopicKeychainExport, engine.ExportParams{ID: args[1]})
		return
	case "add-hd":
		fs := flag.NewFlagSet("keychain add-hd", flag.ExitOnError)
		mnemonic := fs.String("mnemonic", "", "Seed phrase to import")
		generate := fs.Bool("generate", false, "Generate a new seed phrase")
		discover := fs.Bool("discover", false, "Discover used accounts on chain")
		fs.Parse(args[1:])
		if *mnemonic == "" && !*generate {
			fatal("Usage: klingvault-cli keychain add-hd [--mnemonic <words> | --generate] [--discover]")
		}
		if *mnemonic != "" && !keychain.ValidateMnemonic(*mnemonic) {
			fatal("invalid mnemonic")
		}
		p = engine.KeychainParams{Type: keychain.KindHD, Mnemonic: *mnemonic, Generate: *generate, AutoDiscover: *discover}
	case "add-key":
		fs := flag.NewFlagSet("keychain add-key", flag.ExitOnError)
		key := fs.String("key", "", "Private key (hex)")
		fs.Parse(args[1:])
		if *key == "" {
			fatal("Usage: klingvault-cli keychain add-key --key <hex>")
		}
		p = engine.KeychainParams{Type: keychain.KindKeyPair, PrivateKey: *key}
	case "add-watch":
		fs := flag.NewFlagSet("keychain add-watch", flag.ExitOnError)
		address := fs.String("address", "", "Address to watch")
		fs.Parse(args[1:])
		addr, err := types.ParseAddress(*address)
		if err != nil {
			fatal("invalid address: %v", err)
		}
		p = engine.KeychainParams{Type: keychain.KindReadOnly, Address: addr}
	case "add-hardware":
		fs := flag.NewFlagSet("keychain add-hardware", flag.ExitOnError)
		mnemonic := fs.String("mnemonic", "", "Seed phrase of the emulated device")
		vendor := fs.String("vendor", "Ledger", "Device vendor (Ledger or Trezor)")
		device := fs.String("device", "emulator", "Device id")
		count := fs.Uint("count", 1, "Number of accounts to register")
		fs.Parse(args[1:])
		v, err := types.ParseVendor(*vendor)
		if err != nil || v == types.VendorNone {
			fatal("invalid vendor %q", *vendor)
		}
		accounts, err := deviceAccounts(*mnemonic, uint32(*count))
		if err != nil {
			fatal("derive device accounts: %v", err)
		}
		p = engine.KeychainParams{Type: keychain.KindHardware, Vendor: v, DeviceID: *device, Accounts: accounts}
	default:
		fatal("Unknown keychain command: %s", args[0])
	}

	var res engine.KeychainResult
	call(ui, engine.TopicKeychainAdd, p, &res)
	if res.Mnemonic != "" {
		fmt.Println("Mnemonic (write this down!):")
		fmt.Printf("  %s\n\n", res.Mnemonic)
	}
	fmt.Printf("Keychain: %s\n", res.ID)
	for _, addr := range res.Wallet.Accounts {
		fmt.Printf("  %s\n", addr)
	}
}

// exportSecret re-confirms the password and prints the exported secret.
func exportSecret(ui *relay.Messenger, topic string, p engine.ExportParams) {
	password, err := readPassword("Password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	p.Password = string(password)
	var res engine.ExportResult
	call(ui, topic, p, &res)
	fmt.Println("Secret (anyone holding this controls the funds):")
	fmt.Printf("  %s\n", res.Secret)
}

// deviceMaster derives the master key of an emulated device.
func deviceMaster(mnemonic string) (*keychain.HDKey, error) {
	if !keychain.ValidateMnemonic(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed, err := keychain.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		return nil, err
	}
	return keychain.NewMasterKey(seed)
}

func deviceAccounts(mnemonic string, count uint32) ([]keychain.Account, error) {
	master, err := deviceMaster(mnemonic)
	if err != nil {
		return nil, err
	}
	accounts := make([]keychain.Account, 0, count)
	for i := uint32(0); i < count; i++ {
		key, err := master.DeriveAccount(i)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, keychain.Account{Address: key.Address(), Index: i, Path: keychain.AccountPath(i)})
	}
	return accounts, nil
}

// ── requests ────────────────────────────────────────────────────────────

func cmdRequests(ui *relay.Messenger, args []string) {
	if len(args) < 1 {
		fatal("Usage: klingvault-cli requests <list|approve|reject> [args]")
	}
	switch args[0] {
	case "list":
		var list engine.PendingList
		call(ui, engine.TopicRequestsList, nil, &list)
		printRequests(list.Requests)
	case "approve":
		if len(args) < 2 {
			fatal("Usage: klingvault-cli requests approve <id> [--account <addr>] [--chain <id>]")
		}
		id := parseID(args[1])
		fs := flag.NewFlagSet("requests approve", flag.ExitOnError)
		account := fs.String("account", "", "Account to connect with")
		chain := fs.String("chain", "", "Chain to connect on")
		fs.Parse(args[2:])
		payload, err := connectPayload(*account, *chain)
		if err != nil {
			fatal("%v", err)
		}
		call(ui, engine.TopicRequestsApprove, engine.DecideParams{ID: id, Payload: payload}, nil)
		fmt.Printf("Approved request %d\n", id)
	case "reject":
		if len(args) < 2 {
			fatal("Usage: klingvault-cli requests reject <id>")
		}
		id := parseID(args[1])
		call(ui, engine.TopicRequestsReject, engine.DecideParams{ID: id}, nil)
		fmt.Printf("Rejected request %d\n", id)
	default:
		fatal("Unknown requests command: %s", args[0])
	}
}

func parseID(s string) uint64 {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		fatal("invalid request id %q", s)
	}
	return id
}

// connectPayload builds the approval payload for account requests. Empty
// values leave the choice to the daemon.
func connectPayload(account, chain string) (json.RawMessage, error) {
	if account == "" && chain == "" {
		return nil, nil
	}
	var approval engine.ConnectApproval
	if account != "" {
		addr, err := types.ParseAddress(account)
		if err != nil {
			return nil, fmt.Errorf("invalid account: %w", err)
		}
		approval.Address = addr
	}
	if chain != "" {
		id, err := types.ParseChainID(chain)
		if err != nil {
			return nil, fmt.Errorf("invalid chain: %w", err)
		}
		approval.ChainID = id
	}
	return json.Marshal(approval)
}

func printRequests(reqs []requests.Request) {
	if len(reqs) == 0 {
		fmt.Println("No pending requests.")
		return
	}
	for _, r := range reqs {
		fmt.Printf("%-6d %-24s %-28s %s\n", r.ID, r.Method, r.Origin, r.Timestamp.Local().Format(time.TimeOnly))
		if len(r.Params) > 0 {
			fmt.Printf("       %s\n", r.Params)
		}
	}
}

func cmdSessions(ui *relay.Messenger, args []string) {
	if len(args) < 1 {
		fatal("Usage: klingvault-cli sessions <list|revoke> [args]")
	}
	switch args[0] {
	case "list":
		var sessions []engine.Session
		call(ui, engine.TopicSessionsList, nil, &sessions)
		if len(sessions) == 0 {
			fmt.Println("No connected apps.")
			return
		}
		for _, s := range sessions {
			fmt.Printf("%-28s %s  chain %s  since %s\n", s.Host, s.Address, s.ChainID, s.ConnectedAt.Local().Format(time.DateTime))
		}
	case "revoke":
		if len(args) < 2 {
			fatal("Usage: klingvault-cli sessions revoke <host>")
		}
		call(ui, engine.TopicSessionsRevoke, engine.HostParams{Host: args[1]}, nil)
		fmt.Printf("Disconnected %s\n", args[1])
	default:
		fatal("Unknown sessions command: %s", args[0])
	}
}

// ── watch ───────────────────────────────────────────────────────────────

// devicePrompt asks the terminal to confirm one device signature.
type devicePrompt struct {
	action hwbridge.Action
	path   string
	reply  chan bool
}

// cmdWatch keeps the approval channel open, printing queue changes and
// reading decisions from stdin. With a device mnemonic it also answers
// hardware signing requests, asking on the terminal before each signature.
func cmdWatch(ui *relay.Messenger, args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	mnemonic := fs.String("device-mnemonic", "", "Seed phrase of the emulated device")
	vendor := fs.String("vendor", "Ledger", "Device vendor (Ledger or Trezor)")
	fs.Parse(args)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()

	closed := make(chan struct{})
	ui.OnClose(func() { close(closed) })
	prompts := make(chan devicePrompt)

	if *mnemonic != "" {
		v, err := types.ParseVendor(*vendor)
		if err != nil || v == types.VendorNone {
			fatal("invalid vendor %q", *vendor)
		}
		master, err := deviceMaster(*mnemonic)
		if err != nil {
			fatal("device: %v", err)
		}
		driver := &hwbridge.KeyDriver{
			VendorID: v,
			Key: func(path string) (*crypto.PrivateKey, error) {
				indices, err := keychain.ParsePath(path)
				if err != nil {
					return nil, err
				}
				key, err := master.DerivePath(indices...)
				if err != nil {
					return nil, err
				}
				return key.PrivateKey()
			},
			Approve: func(action hwbridge.Action, path string) bool {
				reply := make(chan bool, 1)
				select {
				case prompts <- devicePrompt{action: action, path: path, reply: reply}:
				case <-closed:
					return false
				}
				return <-reply
			},
		}
		hwbridge.NewResponder(driver).Register(ui)
		fmt.Printf("Emulating %s device\n", v)
	}

	ui.On(engine.TopicRequestsChanged, func(msg relay.Message) {
		var list engine.PendingList
		if err := json.Unmarshal(msg.Payload, &list); err != nil {
			return
		}
		fmt.Println()
		printRequests(list.Requests)
		fmt.Print("> ")
	})

	var list engine.PendingList
	call(ui, engine.TopicRequestsList, nil, &list)
	printRequests(list.Requests)
	fmt.Println("Commands: approve <id>, reject <id>, list, quit")
	fmt.Print("> ")

	for {
		select {
		case <-closed:
			fatal("daemon closed the approval channel")
		case p := <-prompts:
			fmt.Printf("\nDevice: %s at %s. Sign? [y/N] ", p.action, p.path)
			answer, ok := <-lines
			p.reply <- ok && strings.EqualFold(answer, "y")
			if !ok {
				return
			}
			fmt.Print("> ")
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !watchCommand(ui, line) {
				return
			}
			fmt.Print("> ")
		}
	}
}

// watchCommand runs one interactive command, reporting false on quit.
func watchCommand(ui *relay.Messenger, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	var err error
	switch fields[0] {
	case "quit", "exit":
		return false
	case "list":
		var list engine.PendingList
		if err = ui.Call(ctx, engine.TopicRequestsList, nil, &list); err == nil {
			printRequests(list.Requests)
		}
	case "approve", "reject":
		if len(fields) < 2 {
			fmt.Printf("Usage: %s <id>\n", fields[0])
			return true
		}
		id, perr := strconv.ParseUint(fields[1], 10, 64)
		if perr != nil {
			fmt.Printf("invalid request id %q\n", fields[1])
			return true
		}
		topic := engine.TopicRequestsApprove
		if fields[0] == "reject" {
			topic = engine.TopicRequestsReject
		}
		err = ui.Call(ctx, topic, engine.DecideParams{ID: id}, nil)
	default:
		fmt.Printf("unknown command %q\n", fields[0])
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
	}
	return true
}

// ── helpers ─────────────────────────────────────────────────────────────

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
