// lsvd is the maintenance CLI for log-structured virtual disks: format a
// volume and its cache file, inspect backend objects, and dump cache
// superblocks.
package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"lsvd/internal/config"
	"lsvd/internal/lsvdfmt"
	"lsvd/internal/nvme"
	"lsvd/pkg"
)

var (
	volSize   int64
	cacheSize int64
	cachePath string
)

var rootCmd = &cobra.Command{
	Use:   "lsvd",
	Short: "Maintain log-structured virtual disk volumes",
}

var formatCmd = &cobra.Command{
	Use:   "format <volume-prefix>",
	Short: "Create a fresh volume and cache file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load("")
		if err != nil {
			return err
		}
		name := args[0]
		volUUID := uuid.New()

		io, err := pkg.NewBackend(cfg, name)
		if err != nil {
			return err
		}
		if err := pkg.InitDisk(io, name, volSize, volUUID); err != nil {
			return err
		}

		path := cachePath
		if path == "" {
			path = cfg.CacheFilename(volUUID, name)
		}
		size := cacheSize
		if size == 0 {
			size = cfg.CacheSize
		}
		if err := pkg.InitCache(path, volUUID, size, lsvdfmt.BackendFile); err != nil {
			return err
		}
		fmt.Printf("volume %s (%s), cache %s\n", name, volUUID, path)
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <object-file>",
	Short: "Dump the header of a backend object",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		buf, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var h lsvdfmt.Hdr
		if err := h.Decode(buf); err != nil {
			return err
		}
		fmt.Printf("type %s seq %d uuid %s hdr_sectors %d data_sectors %d\n",
			typeName(h.Type), h.Seq, h.VolUUID, h.HdrSectors, h.DataSectors)

		switch h.Type {
		case lsvdfmt.TypeData:
			var dh lsvdfmt.DataHdr
			if err := dh.Decode(buf[lsvdfmt.HdrSize:]); err != nil {
				return err
			}
			entries, err := lsvdfmt.DecodeDataMap(buf, dh.MapOffset, dh.MapLen)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("  lba %d + %d\n", e.LBA, e.Len)
			}
		case lsvdfmt.TypeCkpt:
			var ch lsvdfmt.CkptHdr
			if err := ch.Decode(buf[lsvdfmt.HdrSize:]); err != nil {
				return err
			}
			objs, err := lsvdfmt.DecodeCkptObjs(buf, ch.ObjsOffset, ch.ObjsLen)
			if err != nil {
				return err
			}
			for _, o := range objs {
				fmt.Printf("  obj %d hdr %d data %d live %d\n",
					o.Seq, o.HdrSectors, o.DataSectors, o.LiveSectors)
			}
		}
		return nil
	},
}

var cacheInfoCmd = &cobra.Command{
	Use:   "cache-info <cache-file>",
	Short: "Dump the cache file superblocks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := nvme.Open(args[0])
		if err != nil {
			return err
		}
		defer dev.Close()

		page := make([]byte, lsvdfmt.PageSize)
		if _, err := dev.Read(page, 0); err != nil {
			return err
		}
		var js lsvdfmt.JSuper
		if err := js.Decode(page); err != nil {
			return err
		}
		fmt.Printf("uuid %s write_super %d read_super %d\n",
			js.VolUUID, js.WriteSuper, js.ReadSuper)

		if _, err := dev.Read(page, int64(js.WriteSuper)*lsvdfmt.PageSize); err != nil {
			return err
		}
		var ws lsvdfmt.JWriteSuper
		if err := ws.Decode(page); err != nil {
			return err
		}
		fmt.Printf("journal [%d,%d) next %d oldest %d seq %d map %d+%d (%d entries)\n",
			ws.Base, ws.Limit, ws.Next, ws.Oldest, ws.Seq,
			ws.MapStart, ws.MapBlocks, ws.MapEntries)

		if _, err := dev.Read(page, int64(js.ReadSuper)*lsvdfmt.PageSize); err != nil {
			return err
		}
		var rs lsvdfmt.JReadSuper
		if err := rs.Decode(page); err != nil {
			return err
		}
		fmt.Printf("read cache base %d units %d x %d sectors\n",
			rs.Base, rs.Units, rs.UnitSize)
		return nil
	},
}

func typeName(t uint32) string {
	switch t {
	case lsvdfmt.TypeSuper:
		return "SUPER"
	case lsvdfmt.TypeData:
		return "DATA"
	case lsvdfmt.TypeCkpt:
		return "CKPT"
	}
	return "?"
}

func main() {
	formatCmd.Flags().Int64Var(&volSize, "size", 1<<30, "volume size in bytes")
	formatCmd.Flags().Int64Var(&cacheSize, "cache-size", 0, "cache file size in bytes")
	formatCmd.Flags().StringVar(&cachePath, "cache", "", "cache file path")
	rootCmd.AddCommand(formatCmd, inspectCmd, cacheInfoCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
