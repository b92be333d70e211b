package main

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pion/stun/v3"

	"github.com/unicornultrafoundation/wgstack/internal/identity"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	os.Args = append(os.Args[:1], os.Args[2:]...)

	switch cmd {
	case "identity":
		cmdIdentity()
	case "genpsk":
		cmdGenPSK()
	case "discover":
		cmdDiscover()
	case "status":
		cmdStatus()
	case "events":
		cmdEvents()
	case "version":
		fmt.Printf("wgstack-cli %s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: wgstack-cli <command> [options]

Commands:
  identity    Show or generate the node identity
  genpsk      Generate a preshared key
  discover    Discover the reflexive address via STUN
  status      Show link status from the admin API
  events      Show recent handshake events from the admin API
  version     Show version
  help        Show this help`)
}

// --- Identity command ---

func cmdIdentity() {
	fs := flag.NewFlagSet("identity", flag.ExitOnError)
	path := fs.String("identity", "/etc/wgstack/identity.key", "identity key path")
	generate := fs.Bool("generate", false, "generate new identity without saving")
	fs.Parse(os.Args[1:])

	if *generate {
		id, err := identity.Generate()
		if err != nil {
			fatal(err)
		}
		fmt.Printf("Private Key: %s\n", hex.EncodeToString(id.PrivateKey[:]))
		fmt.Printf("Public Key:  %s\n", id.PublicKeyHex())
		return
	}

	id, err := identity.LoadOrGenerate(*path)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Public Key: %s\n", id.PublicKeyHex())
}

func cmdGenPSK() {
	var psk [identity.PresharedKeySize]byte
	if _, err := rand.Read(psk[:]); err != nil {
		fatal(err)
	}
	fmt.Println(hex.EncodeToString(psk[:]))
}

// --- STUN discovery ---

func cmdDiscover() {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	server := fs.String("server", "stun.l.google.com:19302", "STUN server address")
	fs.Parse(os.Args[1:])

	addr, err := stunDiscover(*server)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Reflexive address: %s\n", addr)
}

// stunDiscover performs a single STUN binding request.
func stunDiscover(serverAddr string) (*net.UDPAddr, error) {
	conn, err := net.DialTimeout("udp", serverAddr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(msg.Raw); err != nil {
		return nil, err
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}

	resp := new(stun.Message)
	resp.Raw = buf[:n]
	if err := resp.Decode(); err != nil {
		return nil, err
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(resp); err != nil {
		var mappedAddr stun.MappedAddress
		if err := mappedAddr.GetFrom(resp); err != nil {
			return nil, fmt.Errorf("no mapped address in STUN response")
		}
		return &net.UDPAddr{IP: mappedAddr.IP, Port: mappedAddr.Port}, nil
	}
	return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
}

// --- Admin API commands ---

type apiClient struct {
	base  string
	token string
}

func newAPIClient(fs *flag.FlagSet) *apiClient {
	server := fs.String("server", "http://127.0.0.1:9395", "admin API base URL")
	username := fs.String("username", "admin", "admin username")
	password := fs.String("password", "admin", "admin password")
	fs.Parse(os.Args[1:])

	c := &apiClient{base: *server}
	if err := c.login(*username, *password); err != nil {
		fatal(err)
	}
	return c
}

func (c *apiClient) login(username, password string) error {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(c.base+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login failed: %s", resp.Status)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	c.token = out.Token
	return nil
}

func (c *apiClient) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, b)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func cmdStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	c := newAPIClient(fs)

	var status struct {
		Time     time.Time `json:"time"`
		Endpoint string    `json:"endpoint"`
		Ports    []uint16  `json:"ports"`
		Peers    []struct {
			PublicKey   string `json:"public_key"`
			HasPair     bool   `json:"has_pair"`
			PairIdx     uint32 `json:"pair_idx"`
			SendCounter uint64 `json:"send_counter"`
			Rekeying    bool   `json:"rekeying"`
		} `json:"peers"`
	}
	if err := c.get("/api/v1/status", &status); err != nil {
		fatal(err)
	}

	fmt.Printf("Endpoint: %s\n", status.Endpoint)
	fmt.Printf("Bound ports: %v\n", status.Ports)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PEER\tSESSION\tCOUNTER\tREKEYING")
	for _, p := range status.Peers {
		session := "-"
		if p.HasPair {
			session = fmt.Sprintf("0x%x", p.PairIdx)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%v\n", p.PublicKey, session, p.SendCounter, p.Rekeying)
	}
	w.Flush()
}

func cmdEvents() {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	c := newAPIClient(fs)

	var events []struct {
		Peer      string    `json:"peer"`
		Type      string    `json:"type"`
		SessionID uint32    `json:"session_id"`
		At        time.Time `json:"at"`
	}
	if err := c.get("/api/v1/journal/events?limit=50", &events); err != nil {
		fatal(err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tPEER\tEVENT\tSESSION")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t0x%x\n", ev.At.Format(time.RFC3339), ev.Peer, ev.Type, ev.SessionID)
	}
	w.Flush()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
