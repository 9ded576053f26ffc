package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"

	"minikv/client"
	"minikv/config"
	"minikv/storage"
)

const help = `commands:
  get <key>
  set <key> <value>
  rm <key>
  compact
  help
  exit`

func main() {
	addr := flag.String("addr", config.DefaultAddr, "minikv server address")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	flag.Parse()

	c, err := client.Connect(client.WithAddr(*addr), client.WithTimeout(*timeout))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer c.Close()

	fmt.Printf("Connected to %s\n", *addr)
	fmt.Println("Type commands. 'help' for information or 'exit' to quit.")

	reader := bufio.NewReader(os.Stdin)

	for {
		fmt.Print("> ")

		line, err := reader.ReadString('\n')
		if err == io.EOF {
			return
		}
		if err != nil {
			fmt.Println("input error:", err)
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		args, err := shellquote.Split(line)
		if err != nil {
			fmt.Println("parse error:", err)
			continue
		}

		if args[0] == "exit" || args[0] == "quit" {
			return
		}

		out, err := execute(c, args)
		if err != nil {
			fmt.Println("error:", err)
			continue
		}

		fmt.Println(out)
	}
}

func execute(c *client.Client, args []string) (string, error) {
	cmd, args := strings.ToLower(args[0]), args[1:]

	switch {
	case cmd == "help":
		return help, nil

	case cmd == "get" && len(args) == 1:
		value, found, err := c.Get(args[0])
		if err != nil {
			return "", err
		}
		if !found {
			return "(not found)", nil
		}
		return value, nil

	case cmd == "set" && len(args) == 2:
		return "OK", c.Set(args[0], args[1])

	case cmd == "rm" && len(args) == 1:
		err := c.Remove(args[0])
		if errors.Is(err, storage.ErrKeyNotFound) {
			return "(not found)", nil
		}
		return "OK", err

	case cmd == "compact" && len(args) == 0:
		return "OK", c.Compact()

	default:
		return "", errors.Errorf("bad command %q, try 'help'", strings.Join(append([]string{cmd}, args...), " "))
	}
}
