// Command reauthorize-tool is a small CLI recovered from
// original_source/src/reauthorize/frob-reauthorize.c: a standalone way to
// exercise reauthorize.Prepare/Perform from the command line without a full
// bridge session, useful when developing against the crypt1 primitive.
//
//	reauthorize-tool prepare <user>           # prompts for a password, stores its secret
//	reauthorize-tool challenge <user>         # prints a fresh crypt1 challenge
//	reauthorize-tool respond <user> <password> <challenge>
package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/cockpit-project/cockpit-sub006/internal/reauthorize"
)

func main() {
	if len(os.Args) < 3 {
		usage()
		os.Exit(2)
	}

	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	kr, err := reauthorize.OpenKeyringAt(dir + "/reauthorize-tool-keyring")
	if err != nil {
		fatal(err)
	}

	switch os.Args[1] {
	case "prepare":
		user := os.Args[2]
		password := readLine("Password: ")
		if err := reauthorize.Prepare(kr, user, password); err != nil {
			fatal(err)
		}
		fmt.Println("secret stored")

	case "challenge":
		user := os.Args[2]
		_, challenge, err := reauthorize.Perform(kr, nil, user, nil)
		if err != nil {
			fatal(err)
		}
		fmt.Println(challenge)

	case "respond":
		if len(os.Args) < 5 {
			usage()
			os.Exit(2)
		}
		user := os.Args[2]
		password := os.Args[3]
		challenge := os.Args[4]
		response, err := reauthorize.Crypt1(challenge, password)
		if err != nil {
			fatal(err)
		}
		verdict, _, err := reauthorize.Perform(kr, nil, user, &response)
		if err != nil {
			fatal(err)
		}
		if verdict == reauthorize.Yes {
			fmt.Println("YES")
		} else {
			fmt.Println("NO")
		}

	default:
		usage()
		os.Exit(2)
	}
}

func readLine(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	return scanner.Text()
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: reauthorize-tool prepare|challenge|respond <user> [password] [challenge]")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "reauthorize-tool:", err)
	os.Exit(1)
}
