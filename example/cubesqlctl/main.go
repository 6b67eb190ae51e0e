// Command cubesqlctl is a flag-driven demo exercising connect / execute /
// select / bind against a CubeSQL server, in the shape of
// cmd/sql-tapd/main.go's flag parsing and example/mysql/main.go's
// "connect then issue a few statements" loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	cubesql "github.com/sqlabs/cubesql-go"
	"github.com/sqlabs/cubesql-go/command"
	"github.com/sqlabs/cubesql-go/wire"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	fs := flag.NewFlagSet("cubesqlctl", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "cubesqlctl — CubeSQL client demo\n\nUsage:\n  cubesqlctl [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}

	host := fs.String("host", "127.0.0.1", "server host")
	port := fs.Int("port", 4430, "server port")
	user := fs.String("user", "admin", "username")
	pass := fs.String("password", "admin", "password")
	token := fs.String("token", "", "optional bearer token")
	encryption := fs.Int("encryption", int(wire.EncryptionAES128), "encryption mode (0=none, 1/2/3=AES128/192/256)")
	oldProtocol := fs.Bool("old-protocol", false, "use the pre-2011 cleartext identifier protocol")
	timeout := fs.Duration("timeout", 10*time.Second, "connect/round-trip timeout")
	verbose := fs.Bool("verbose", false, "enable debug logging")

	_ = fs.Parse(os.Args[1:])

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}

	encMode, err := wire.ParseEncryptionMode(*encryption)
	if err != nil {
		return fmt.Errorf("parse encryption mode: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := cubesql.Connect(ctx, cubesql.Options{
		Host:        *host,
		Port:        *port,
		Username:    *user,
		Password:    *pass,
		Token:       *token,
		Timeout:     *timeout,
		Encryption:  encMode,
		OldProtocol: *oldProtocol,
		Log:         logrus.NewEntry(logger),
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() { _ = conn.Disconnect(true) }()

	fmt.Printf("connected to %s:%d (session %s)\n", *host, *port, conn.SessionID)

	if err := conn.Ping(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	fmt.Println("ping ok")

	if err := conn.Execute("CREATE TABLE IF NOT EXISTS cubesqlctl_demo (id INTEGER, name TEXT);"); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	if err := conn.Bind("INSERT INTO cubesqlctl_demo (id, name) VALUES (?,?)", []command.BindParam{
		{Type: wire.BindInteger, Value: []byte("1")},
		{Type: wire.BindText, Value: append([]byte("hello"), 0)},
	}); err != nil {
		return fmt.Errorf("bind insert: %w", err)
	}

	cur, err := conn.Select("SELECT id, name FROM cubesqlctl_demo;", false)
	if err != nil {
		return fmt.Errorf("select: %w", err)
	}
	defer func() { _ = cur.Close() }()

	fmt.Printf("rows: %d\n", cur.NumRows())
	for row := 1; row <= cur.NumRows(); row++ {
		id, err := cur.Int64(row, 1, -1)
		if err != nil {
			return fmt.Errorf("read id: %w", err)
		}
		name, err := cur.CString(row, 2, "")
		if err != nil {
			return fmt.Errorf("read name: %w", err)
		}
		fmt.Printf("  row %d: id=%d name=%q\n", row, id, name)
	}

	changes, err := conn.Changes()
	if err != nil {
		return fmt.Errorf("changes: %w", err)
	}
	fmt.Printf("changes: %d\n", changes)

	return nil
}
