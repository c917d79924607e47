// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command nvmstore manages nvmstore volumes backed by files or
// DAX-mapped persistent memory devices.
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"

	"github.com/grailbio/base/log"
	"github.com/grailbio/nvmstore/alloc"
	"github.com/grailbio/nvmstore/layout"
	"github.com/grailbio/nvmstore/pmem"
	"github.com/grailbio/nvmstore/store"
)

var (
	blocksFlag = flag.Uint64("blocks", 1024, "number of data blocks")
	lanesFlag  = flag.Int("lanes", 4, "number of journal lanes")
	inodesFlag = flag.Uint64("inodes", 64, "inode table capacity")
	csumFlag   = flag.Bool("checksum", true, "maintain and verify block checksums")
	parityFlag = flag.Bool("parity", true, "maintain parity and reconstruct bad stripes")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: nvmstore [flags] command args...

Commands:
  format FILE               initialize a fresh volume
  info FILE                 print volume geometry and inode table
  create FILE INO           create inode INO
  write FILE INO OFF        store stdin at byte offset OFF of INO
  read FILE INO OFF LEN     copy LEN bytes at OFF of INO to stdout
  verify FILE               checksum-verify every committed extent

The geometry flags must match the values the volume was formatted
with.
`)
		flag.PrintDefaults()
		os.Exit(2)
	}
	log.AddFlags()
	flag.Parse()
	if flag.NArg() < 2 {
		flag.Usage()
	}
	cmd, path, args := flag.Arg(0), flag.Arg(1), flag.Args()[2:]
	lay := layout.New(*blocksFlag, *lanesFlag, *inodesFlag)
	dev, err := pmem.OpenFile(path, lay.Size())
	if err != nil {
		log.Fatalf("nvmstore: %s: %v", path, err)
	}
	defer func() {
		if err := dev.Close(); err != nil {
			log.Fatalf("nvmstore: close %s: %v", path, err)
		}
	}()
	opts := store.Options{Checksum: *csumFlag, Parity: *parityFlag}

	if cmd == "format" {
		if _, err := store.Format(dev, lay, alloc.NewBitmap(dev, lay), opts); err != nil {
			log.Fatalf("nvmstore: format: %v", err)
		}
		log.Printf("formatted %s: %d blocks, %d lanes, %d inodes, %d bytes",
			path, lay.Blocks, lay.Lanes, lay.MaxInodes, lay.Size())
		return
	}

	a := alloc.NewBitmap(dev, lay)
	s, err := store.Open(dev, lay, a, opts)
	if err != nil {
		log.Fatalf("nvmstore: open %s: %v", path, err)
	}
	if err := s.ReserveInUse(a.Reserve); err != nil {
		log.Fatalf("nvmstore: rebuild occupancy: %v", err)
	}
	switch cmd {
	case "info":
		info(s, a, lay)
	case "create":
		if _, err := s.Create(argIno(args, 0)); err != nil {
			log.Fatalf("nvmstore: create: %v", err)
		}
	case "write":
		p, err := ioutil.ReadAll(os.Stdin)
		if err != nil {
			log.Fatalf("nvmstore: read stdin: %v", err)
		}
		in, err := s.Inode(argIno(args, 0))
		if err != nil {
			log.Fatalf("nvmstore: %v", err)
		}
		n, err := s.Write(in, argInt(args, 1), p)
		if err != nil {
			log.Fatalf("nvmstore: write: %v (%d bytes durable)", err, n)
		}
	case "read":
		in, err := s.Inode(argIno(args, 0))
		if err != nil {
			log.Fatalf("nvmstore: %v", err)
		}
		p := make([]byte, argInt(args, 2))
		n, err := s.Read(in, argInt(args, 1), p)
		if err != nil {
			log.Fatalf("nvmstore: read: %v", err)
		}
		if _, err := os.Stdout.Write(p[:n]); err != nil {
			log.Fatalf("nvmstore: %v", err)
		}
	case "verify":
		verify(s, lay)
	default:
		flag.Usage()
	}
}

func argIno(args []string, i int) uint64 {
	if i >= len(args) {
		flag.Usage()
	}
	v, err := strconv.ParseUint(args[i], 10, 64)
	if err != nil {
		log.Fatalf("nvmstore: bad inode number %q", args[i])
	}
	return v
}

func argInt(args []string, i int) int64 {
	if i >= len(args) {
		flag.Usage()
	}
	v, err := strconv.ParseInt(args[i], 10, 64)
	if err != nil {
		log.Fatalf("nvmstore: bad number %q", args[i])
	}
	return v
}

func info(s *store.Store, a *alloc.Bitmap, lay *layout.T) {
	fmt.Printf("blocks:\t%d (%d used)\nlanes:\t%d\ninodes:\t%d\nsize:\t%d\n",
		lay.Blocks, a.Used(), lay.Lanes, lay.MaxInodes, lay.Size())
	for ino := uint64(0); ino < lay.MaxInodes; ino++ {
		in, err := s.Inode(ino)
		if err != nil {
			continue
		}
		fmt.Printf("inode %d:\tsize %d\tblocks %d\n", ino, in.Size(), in.Blocks())
	}
}

func verify(s *store.Store, lay *layout.T) {
	var bad int
	buf := make([]byte, layout.BlockSize)
	for ino := uint64(0); ino < lay.MaxInodes; ino++ {
		in, err := s.Inode(ino)
		if err != nil {
			continue
		}
		for off := int64(0); uint64(off) < in.Size(); off += layout.BlockSize {
			if _, err := s.Read(in, off, buf); err != nil {
				log.Error.Printf("inode %d offset %d: %v", ino, off, err)
				bad++
			}
		}
	}
	if bad > 0 {
		log.Fatalf("nvmstore: %d unreadable block(s)", bad)
	}
	log.Printf("all committed extents verify")
}