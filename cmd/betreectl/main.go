// Command betreectl is a small REPL over a betree.Tree[uint64, uint64],
// mirroring the get/set/exit shape of the teacher's original single-binary
// store driver.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"

	"github.com/tobiasfamos/betree/betree"
	"github.com/tobiasfamos/betree/buffer"
	"github.com/tobiasfamos/betree/segment"
)

const (
	defaultPoolSize = 1024
	defaultPageSize = 4096
	defaultEpsilon  = 1024
	defaultSegment  = 0
)

func main() {
	poolSize := flag.Int("pool-size", defaultPoolSize, "number of pages the buffer pool holds resident")
	pageSize := flag.Int("page-size", defaultPageSize, "page size in bytes")
	epsilon := flag.Int("epsilon", defaultEpsilon, "per-inner-node MessageMap byte budget")
	verbosity := flag.Int("v", 0, "log verbosity")
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		help()
	}
	dir := args[0]

	stdr.SetVerbosity(*verbosity)
	stdLog := log.New(os.Stderr, "", log.LstdFlags)
	logger := stdr.New(stdLog)

	fmt.Printf("Opening betree segment under %s\n", dir)
	cli, err := NewCLI(dir, *pageSize, *poolSize, *epsilon, logger.WithName("betreectl"))
	if err != nil {
		abort(fmt.Sprintf("Error opening segment: %v\nMake sure the target directory exists.\n", err))
	}

	for {
		cmd := prompt(fmt.Sprintf("betree @ %s>", dir))
		response, cont := cli.Handle(cmd)
		fmt.Println(response)
		if !cont {
			os.Exit(0)
		}
	}
}

func prompt(label string) string {
	var out string
	r := bufio.NewReader(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, label+" ")
		out, _ = r.ReadString('\n')
		if out != "" {
			break
		}
	}
	return strings.TrimSpace(out)
}

// CLI wraps one tree over one buffer pool over one on-disk segment.
type CLI struct {
	pool *buffer.Pool
	tree *betree.Tree[uint64, uint64]
}

func NewCLI(dir string, pageSize, poolSize, epsilon int, log logr.Logger) (*CLI, error) {
	disk, err := segment.NewFileDisk(dir, pageSize)
	if err != nil {
		return nil, err
	}
	pool := buffer.NewPool(disk, poolSize, log)
	tree := betree.New[uint64, uint64](pool, defaultSegment, betree.Uint64Codec{}, epsilon, log)
	return &CLI{pool: pool, tree: tree}, nil
}

func (cli *CLI) Close() error {
	return cli.pool.Close()
}

func (cli *CLI) Handle(cmd string) (string, bool) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return cli.Help(), true
	}

	switch parts[0] {
	case "get":
		if len(parts) != 2 {
			return cli.Help(), true
		}
		key, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return fmt.Sprintf("Invalid key %s: %v", parts[1], err), true
		}
		val, ok := cli.tree.Find(key)
		if !ok {
			return fmt.Sprintf("%d not found", key), true
		}
		return fmt.Sprintf("%d = %d", key, val), true

	case "set":
		if len(parts) != 3 {
			return cli.Help(), true
		}
		key, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return fmt.Sprintf("Invalid key %s: %v", parts[1], err), true
		}
		val, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return fmt.Sprintf("Invalid value %s: %v", parts[2], err), true
		}
		if err := cli.tree.InsertOrAssign(key, val); err != nil {
			return fmt.Sprintf("Error storing key: %v", err), true
		}
		return fmt.Sprintf("Successfully stored %d = %d", key, val), true

	case "del":
		if len(parts) != 2 {
			return cli.Help(), true
		}
		key, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return fmt.Sprintf("Invalid key %s: %v", parts[1], err), true
		}
		if err := cli.tree.Erase(key); err != nil {
			return fmt.Sprintf("Error erasing key: %v", err), true
		}
		return fmt.Sprintf("Erased %d", key), true

	case "size":
		return fmt.Sprintf("size=%d size_pending=%d capacity=%d", cli.tree.Size(), cli.tree.SizePending(), cli.tree.Capacity()), true

	case "exit":
		if err := cli.Close(); err != nil {
			return fmt.Sprintf("Error closing: %v", err), false
		}
		return "betree closed", false

	default:
		return cli.Help(), true
	}
}

func (cli *CLI) Help() string {
	var b strings.Builder
	b.WriteString("Valid commands:\n\n")
	b.WriteString("\tget <key>\n\tExample: get 123\n\n")
	b.WriteString("\tset <key> <value>\n\tExample: set 123 4242\n\n")
	b.WriteString("\tdel <key>\n\tExample: del 123\n\n")
	b.WriteString("\tsize\n\n")
	b.WriteString("\texit\n")
	return b.String()
}

func help() {
	fmt.Println("Usage: betreectl [-pool-size N] [-page-size N] [-epsilon N] [-v N] <segment_directory>")
	os.Exit(2)
}

func abort(msg string) {
	fmt.Printf("Error: %s\n", msg)
	os.Exit(1)
}
