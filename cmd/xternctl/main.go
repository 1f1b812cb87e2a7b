// Command xternctl is a minimal smoke driver exercising every
// container this module exposes, grounded on
// spy16-kiwi/cmd/kiwi/main.go's "open a DB, print stats" shape.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/xtern-go/xtern/blockmgr"
	"github.com/xtern-go/xtern/bptree"
	"github.com/xtern-go/xtern/disk"
	"github.com/xtern-go/xtern/internal/xlog"
	"github.com/xtern-go/xtern/pagedvector"
	"github.com/xtern-go/xtern/pool"
	"github.com/xtern-go/xtern/reqqueue"
	"github.com/xtern-go/xtern/stack"
)

var (
	useMem       = flag.Bool("mem", true, "use an in-memory disk instead of DISKFILES")
	memDiskBytes = flag.Int64("mem-size", 16<<20, "size in bytes of the in-memory disk when -mem is set")
	blockSize    = flag.Int64("block-size", 4096, "block size in bytes")
	count        = flag.Int("count", 1000, "number of elements to push through each container")
)

type stats struct {
	NumDisks   int    `json:"num_disks"`
	BlockSize  int64  `json:"block_size"`
	VectorSize uint64 `json:"vector_size"`
	StackSize  int    `json:"stack_size"`
	TreeSize   int    `json:"tree_size"`
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatalf("xternctl: %v", err)
	}
}

func run() error {
	disks, err := openDisks()
	if err != nil {
		return fmt.Errorf("opening disks: %w", err)
	}
	defer func() {
		for _, d := range disks {
			_ = d.Close()
		}
	}()

	logger := xlog.Default()
	mgr, err := blockmgr.New(disks, *blockSize, &blockmgr.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("blockmgr.New: %w", err)
	}

	rq := reqqueue.NewManager(disks, logger)
	defer rq.Shutdown()

	p := pool.New(mgr, rq, 64, 64, logger)

	st := stats{NumDisks: mgr.NumDisks(), BlockSize: mgr.BlockSize()}

	vec, err := pagedvector.New[int64](mgr, p, pagedvector.Options{
		BlocksPerPage: 1,
		NumFrames:     32,
		BlockSize:     *blockSize,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("pagedvector.New: %w", err)
	}
	for i := int64(0); i < int64(*count); i++ {
		if err := vec.PushBack(i); err != nil {
			return fmt.Errorf("vector PushBack: %w", err)
		}
	}
	st.VectorSize = vec.Size()

	sk, err := stack.New[int64](mgr, p, stack.Options{
		BlockSize: *blockSize,
		Backing:   stack.GrowShrink2,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("stack.New: %w", err)
	}
	for i := int64(0); i < int64(*count); i++ {
		if err := sk.Push(i); err != nil {
			return fmt.Errorf("stack Push: %w", err)
		}
	}
	st.StackSize = sk.Size()

	tree, err := bptree.New[int64, int64](mgr, p, bptree.Ordered[int64]{Max: 1 << 62}, bptree.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("bptree.New: %w", err)
	}
	for i := int64(0); i < int64(*count); i++ {
		if _, err := tree.Insert(i, i*i); err != nil {
			return fmt.Errorf("tree Insert: %w", err)
		}
	}
	st.TreeSize = tree.Size()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func openDisks() ([]disk.Disk, error) {
	if *useMem {
		return []disk.Disk{disk.NewInMemoryDisk("xternctl-mem", *memDiskBytes)}, nil
	}

	specs, err := disk.LoadConfig()
	if err != nil {
		return nil, err
	}
	return disk.OpenAll(specs)
}
