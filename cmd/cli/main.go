// Command inkctl is a CLI client for the Inkwell messaging core.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	u "github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	pkgcrypto "github.com/and161185/inkwell/internal/crypto"
	"github.com/and161185/inkwell/internal/crypto/keyfile"
	grpcserver "github.com/and161185/inkwell/internal/server/grpc"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "inkwell")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "inkwell")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func keyPath() string { return filepath.Join(cfgDir(), "key.json") }

// tokenClaims reads subject and expiry without verifying the signature; the server does that.
func tokenClaims(tok string) (u.UUID, time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return u.Nil, time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	id, err := u.FromString(claims.Subject)
	if err != nil {
		return u.Nil, time.Time{}, errors.New("token subject is not a user id")
	}
	exp := time.Now().Add(15 * time.Minute)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return id, exp, nil
}

func saveToken(tok string) error {
	id, exp, err := tokenClaims(tok)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, UserID: id.String(), ExpiresAt: exp})
}

func loadToken() (tokenFile, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return tokenFile{}, err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return tokenFile{}, err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return tokenFile{}, errors.New("no valid token (login required)")
	}
	return tf, nil
}

func (tf tokenFile) user() u.UUID { return u.FromStringOrNil(tf.UserID) }

// openKey decrypts the personal key pair with the passphrase.
func openKey(pass string) (pkgcrypto.KeyPair, error) {
	f, err := keyfile.Load(keyPath())
	if err != nil {
		return pkgcrypto.KeyPair{}, fmt.Errorf("no key file (run keygen): %w", err)
	}
	if pass == "" {
		pass = os.Getenv("INKWELL_PASSPHRASE")
	}
	return f.Open([]byte(pass))
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func tlsConfig(caPath string, skipVerify bool) (*tls.Config, error) {
	if skipVerify {
		return &tls.Config{InsecureSkipVerify: true}, nil
	}
	if caPath == "" {
		return &tls.Config{}, nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return &tls.Config{RootCAs: pool}, nil
}

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	cfg, err := tlsConfig(caPath, skipVerify)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(cfg), nil
}

type conn struct {
	addr, wsURL, caPath string
	skipVerify          bool
	plaintext           bool
}

func (c conn) dial(bearer string) (*grpc.ClientConn, *grpcserver.ChatClient, error) {
	creds := insecure.NewCredentials()
	if !c.plaintext {
		var err error
		if creds, err = loadTLS(c.caPath, c.skipVerify); err != nil {
			return nil, nil, err
		}
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer, secure: !c.plaintext}))
	}
	cc, err := grpc.NewClient(c.addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cc, grpcserver.NewChatClient(cc), nil
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func parseID(name, v string) u.UUID {
	id, err := u.FromString(strings.TrimSpace(v))
	if err != nil {
		fmt.Fprintf(os.Stderr, "need -%s <uuid>\n", name)
		os.Exit(1)
	}
	return id
}

func usage() {
	fmt.Fprintf(os.Stderr, `inkctl
Usage:
  inkctl [-addr HOST:PORT] [-ws URL] [-cacert file | -insecure | -plaintext] <cmd> [args]

Commands:
  version
  login        -token <jwt>                          (saves token)
  keygen       [-pass <p>] [-force]                  (new personal key pair, sealed locally)
  register-key                                       (publish the public key)
  dm           -to <uuid> (-text <t> | -file <f>) [-encrypt -pass <p>]
  conversations [-page n -limit n]
  mark-read    -from <uuid>
  group-create -name <n> [-private]
  group-add    -group <uuid> -user <uuid> [-remove]
  group-crypto -group <uuid> -members <uuid,...> -pass <p>
  group-send   -group <uuid> (-text <t> | -file <f>) [-encrypt -pass <p>]
  history      (-with <uuid> | -group <uuid>) [-page n -limit n] [-pass <p>]
  listen       [-group <uuid,...>] [-pass <p>]

The passphrase may also be given in INKWELL_PASSPHRASE.
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands.
func main() {
	var c conn
	flag.StringVar(&c.addr, "addr", "localhost:9090", "gRPC server addr")
	flag.StringVar(&c.wsURL, "ws", "ws://localhost:8080/ws", "websocket endpoint")
	flag.StringVar(&c.caPath, "cacert", "", "CA cert (PEM)")
	flag.BoolVar(&c.skipVerify, "insecure", false, "skip cert verify (dev)")
	flag.BoolVar(&c.plaintext, "plaintext", false, "gRPC without TLS (dev)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {
	case "version":
		fmt.Printf("inkctl %s (%s)\n", version, buildDate)

	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		tok := fs.String("token", "", "bearer token issued by the account service")
		_ = fs.Parse(args)
		if *tok == "" {
			fmt.Fprintln(os.Stderr, "need -token")
			os.Exit(1)
		}
		if err := saveToken(*tok); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "keygen":
		fs := flag.NewFlagSet("keygen", flag.ExitOnError)
		pass := fs.String("pass", "", "passphrase protecting the private key")
		force := fs.Bool("force", false, "overwrite an existing key file")
		_ = fs.Parse(args)
		if _, err := os.Stat(keyPath()); err == nil && !*force {
			fail(errors.New("key file exists; use -force to replace it"))
		}
		if *pass == "" {
			*pass = os.Getenv("INKWELL_PASSPHRASE")
		}
		kp, err := pkgcrypto.GenerateKeyPair()
		if err != nil {
			fail(err)
		}
		f, err := keyfile.Seal([]byte(*pass), kp)
		if err != nil {
			fail(err)
		}
		if tf, err := loadToken(); err == nil {
			f.UserID = tf.UserID
		}
		if err := keyfile.Save(keyPath(), f); err != nil {
			fail(err)
		}
		fmt.Println(base64.StdEncoding.EncodeToString(kp.Public))

	case "register-key":
		tf, err := loadToken()
		if err != nil {
			fail(err)
		}
		f, err := keyfile.Load(keyPath())
		if err != nil {
			fail(fmt.Errorf("no key file (run keygen): %w", err))
		}
		cc, cli, err := c.dial(tf.AccessToken)
		if err != nil {
			fail(err)
		}
		defer cc.Close()
		out, err := cli.RegisterKey(ctx, &grpcserver.RegisterKeyRequest{PublicKey: f.PublicKey})
		if err != nil {
			fail(err)
		}
		f.KeyID = out.KeyID.String()
		_ = keyfile.Save(keyPath(), f)
		printJSON(out)

	case "dm":
		cmdDM(ctx, c, args)
	case "conversations":
		cmdConversations(ctx, c, args)
	case "mark-read":
		cmdMarkRead(ctx, c, args)
	case "group-create":
		cmdGroupCreate(ctx, c, args)
	case "group-add":
		cmdGroupAdd(ctx, c, args)
	case "group-crypto":
		cmdGroupCrypto(ctx, c, args)
	case "group-send":
		cmdGroupSend(ctx, c, args)
	case "history":
		cmdHistory(ctx, c, args)
	case "listen":
		cmdListen(c, args)
	default:
		usage()
	}
}

// ---- helpers ----

func tsString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func fail(err error) {
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
