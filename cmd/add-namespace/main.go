// Command add-namespace adds a namespace password to the coordinator's
// namespaces file, creating the file if needed.
//
// # Usage
//
//	go run ./cmd/add-namespace --file=./namespaces.json --namespace=tenant --password=secret
//	echo secret | go run ./cmd/add-namespace --file=./namespaces.json --namespace=tenant
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/cablelabs/safe/services"
)

func main() {
	var (
		file      = flag.String("file", "/config/namespaces.json", "Namespaces file")
		namespace = flag.String("namespace", "", "Namespace to add")
		password  = flag.String("password", "", "Namespace password (read from stdin if empty)")
	)
	flag.Parse()

	if err := addNamespace(*file, *namespace, *password, os.Stdin); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Namespace %q saved to %s\n", *namespace, *file)
}

func addNamespace(path, namespace, password string, stdin io.Reader) error {
	if namespace == "" {
		return errors.New("--namespace is required")
	}
	if password == "" {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return errors.New("password cannot be empty")
	}

	auth, err := services.LoadNamespaceAuth(path)
	if errors.Is(err, fs.ErrNotExist) {
		auth = services.NewNamespaceAuth()
	} else if err != nil {
		return err
	}

	if err := auth.AddNamespace(namespace, password); err != nil {
		return err
	}
	return auth.Save(path)
}
