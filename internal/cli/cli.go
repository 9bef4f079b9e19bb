// Package cli implements the danki-cli commands on top of the API client.
package cli

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/patric-chuzhbe/danki/internal/client"
	"github.com/patric-chuzhbe/danki/internal/models"
)

// TokenEnv names the environment variable holding the bearer token.
const TokenEnv = "DANKI_TOKEN"

const defaultServerURL = "http://localhost:8080"

// ErrUsage is returned for unknown commands and malformed arguments.
var ErrUsage = errors.New("usage error")

// APIClient is the part of client.Client the commands use.
type APIClient interface {
	Register(ctx context.Context, email, password string) error
	Login(ctx context.Context, email, password string) (string, error)
	EchoEmail(ctx context.Context) (string, error)
	ListCollections(ctx context.Context, query models.CollectionsQuery) ([]models.CardCollectionDTO, error)
	CreateCollection(ctx context.Context, name string) (string, error)
	RenameCollection(ctx context.Context, id, name string) (models.CardCollectionDTO, error)
	DeleteCollections(ctx context.Context, ids []string) error
}

// CLI holds the process streams and the seams tests replace.
type CLI struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string

	readPassword func() (string, error)
	newClient    func(serverURL, token string) APIClient
}

type Option func(*CLI)

func WithStreams(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(c *CLI) {
		c.stdin = stdin
		c.stdout = stdout
		c.stderr = stderr
	}
}

func WithGetenv(getenv func(string) string) Option {
	return func(c *CLI) {
		c.getenv = getenv
	}
}

// WithClientFactory replaces the HTTP client constructor.
func WithClientFactory(newClient func(serverURL, token string) APIClient) Option {
	return func(c *CLI) {
		c.newClient = newClient
	}
}

func New(opts ...Option) *CLI {
	c := &CLI{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
		getenv: os.Getenv,
		newClient: func(serverURL, token string) APIClient {
			return client.New(serverURL, client.WithToken(token))
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.readPassword = c.passwordReader()

	return c
}

// passwordReader reads without echo from a terminal and falls back to the
// first line of stdin otherwise.
func (c *CLI) passwordReader() func() (string, error) {
	return func() (string, error) {
		if file, ok := c.stdin.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
			fmt.Fprint(c.stderr, "Password: ")
			password, err := term.ReadPassword(int(file.Fd()))
			fmt.Fprintln(c.stderr)
			if err != nil {
				return "", fmt.Errorf("in internal/cli/cli.go/passwordReader(): error while `term.ReadPassword()` calling: %w", err)
			}
			return string(password), nil
		}

		line, err := bufio.NewReader(c.stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("in internal/cli/cli.go/passwordReader(): error while `ReadString()` calling: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
}

func (c *CLI) usage() {
	fmt.Fprint(c.stderr, `Usage: danki-cli [-server URL] [-token T] <command> [arguments]

Commands:
  register -email E                 create an account (password read from the terminal)
  login -email E                    print a token for the account
  whoami                            print the email of the token owner
  collections [-sort ByName|ByDate] [-desc] [-offset N] [-limit N] [-user ID]
  create -name N                    create a collection
  rename -id ID -name N             rename a collection
  delete ID...                      schedule collections for deletion

The token may also be set with `+TokenEnv+`.
`)
}

// Run parses the global flags and dispatches the command.
func (c *CLI) Run(ctx context.Context, args []string) error {
	global := flag.NewFlagSet("danki-cli", flag.ContinueOnError)
	global.SetOutput(c.stderr)
	global.Usage = c.usage
	serverURL := global.String("server", defaultServerURL, "server base URL")
	token := global.String("token", "", "bearer token, defaults to $"+TokenEnv)
	timeout := global.Duration("timeout", 10*time.Second, "request timeout")

	if err := global.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}
	if global.NArg() == 0 {
		c.usage()
		return ErrUsage
	}
	if *token == "" {
		*token = c.getenv(TokenEnv)
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	api := c.newClient(*serverURL, *token)
	command, rest := global.Arg(0), global.Args()[1:]

	switch command {
	case "register":
		return c.register(ctx, api, rest)
	case "login":
		return c.login(ctx, api, rest)
	case "whoami":
		return c.whoami(ctx, api)
	case "collections":
		return c.collections(ctx, api, rest)
	case "create":
		return c.create(ctx, api, rest)
	case "rename":
		return c.rename(ctx, api, rest)
	case "delete":
		return c.deleteCollections(ctx, api, rest)
	default:
		c.usage()
		return fmt.Errorf("%w: unknown command %q", ErrUsage, command)
	}
}

func (c *CLI) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func (c *CLI) credentials(name string, args []string) (string, string, error) {
	fs := c.flagSet(name)
	email := fs.String("email", "", "account email")
	if err := fs.Parse(args); err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrUsage, err)
	}
	if *email == "" {
		return "", "", fmt.Errorf("%w: -email is required", ErrUsage)
	}

	password, err := c.readPassword()
	if err != nil {
		return "", "", err
	}

	return *email, password, nil
}

func (c *CLI) register(ctx context.Context, api APIClient, args []string) error {
	email, password, err := c.credentials("register", args)
	if err != nil {
		return err
	}
	if err := api.Register(ctx, email, password); err != nil {
		return err
	}

	fmt.Fprintln(c.stdout, "registered", email)
	return nil
}

func (c *CLI) login(ctx context.Context, api APIClient, args []string) error {
	email, password, err := c.credentials("login", args)
	if err != nil {
		return err
	}
	token, err := api.Login(ctx, email, password)
	if err != nil {
		return err
	}

	fmt.Fprintln(c.stdout, token)
	return nil
}

func (c *CLI) whoami(ctx context.Context, api APIClient) error {
	email, err := api.EchoEmail(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(c.stdout, email)
	return nil
}

func (c *CLI) collections(ctx context.Context, api APIClient, args []string) error {
	fs := c.flagSet("collections")
	sortBy := fs.String("sort", string(models.ByDate), "ByName or ByDate")
	desc := fs.Bool("desc", false, "descending order")
	offset := fs.Int("offset", 0, "number of collections to skip")
	limit := fs.Int("limit", models.DefaultCollectionsLimit, "page size")
	userID := fs.String("user", "", "owner id, defaults to the caller")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}

	collections, err := api.ListCollections(ctx, models.CollectionsQuery{
		UserID:    *userID,
		Offset:    *offset,
		Limit:     *limit,
		Sort:      models.ParseCollectionSortParam(*sortBy),
		Ascending: !*desc,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tLAST MODIFIED")
	for _, collection := range collections {
		fmt.Fprintf(w, "%s\t%s\t%s\n", collection.ID, collection.Name, collection.LastModified.UTC().Format(time.RFC3339))
	}

	return w.Flush()
}

func (c *CLI) create(ctx context.Context, api APIClient, args []string) error {
	fs := c.flagSet("create")
	name := fs.String("name", "", "collection name")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}
	if *name == "" {
		return fmt.Errorf("%w: -name is required", ErrUsage)
	}

	id, err := api.CreateCollection(ctx, *name)
	if err != nil {
		return err
	}

	fmt.Fprintln(c.stdout, id)
	return nil
}

func (c *CLI) rename(ctx context.Context, api APIClient, args []string) error {
	fs := c.flagSet("rename")
	id := fs.String("id", "", "collection id")
	name := fs.String("name", "", "new name")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}
	if *id == "" || *name == "" {
		return fmt.Errorf("%w: -id and -name are required", ErrUsage)
	}

	renamed, err := api.RenameCollection(ctx, *id, *name)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.stdout, "%s\t%s\n", renamed.ID, renamed.Name)
	return nil
}

func (c *CLI) deleteCollections(ctx context.Context, api APIClient, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: at least one collection id is required", ErrUsage)
	}
	if err := api.DeleteCollections(ctx, args); err != nil {
		return err
	}

	fmt.Fprintf(c.stdout, "scheduled %d collection(s) for deletion\n", len(args))
	return nil
}
