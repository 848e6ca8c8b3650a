// Package binimg loads executable regions out of Mach-O, ELF and PE binaries
// (or a raw flat image) for signature extraction and scanning.
package binimg

import (
	"debug/elf"
	"debug/pe"
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Region is one executable range of the binary, read fully into memory.
// Regions are read-only after load and safe for concurrent scans.
type Region struct {
	Name string
	Addr uint64 // virtual address of the first byte
	Data []byte
}

// Image is a loaded binary's executable content.
type Image struct {
	Path    string
	Format  string // macho, elf, pe, raw
	Regions []Region
}

// Size returns the total number of executable bytes loaded.
func (img *Image) Size() uint64 {
	var n uint64
	for _, r := range img.Regions {
		n += uint64(len(r.Data))
	}
	return n
}

// Open loads the executable regions of the binary at path. Format detection
// is by parse attempt: Mach-O (including fat), then ELF, then PE; anything
// else is treated as a raw image mapped at address 0.
func Open(path string) (*Image, error) {
	img := &Image{Path: path}

	if err := openMachO(path, img); err == nil {
		img.Format = "macho"
	} else if err := openELF(path, img); err == nil {
		img.Format = "elf"
	} else if err := openPE(path, img); err == nil {
		img.Format = "pe"
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read binary %s", path)
		}
		img.Format = "raw"
		img.Regions = []Region{{Name: "raw", Data: data}}
	}

	if len(img.Regions) == 0 {
		return nil, errors.Errorf("no executable regions found in %s", path)
	}

	log.WithFields(log.Fields{
		"path":    path,
		"format":  img.Format,
		"regions": len(img.Regions),
		"size":    humanize.Bytes(img.Size()),
	}).Debug("Loaded binary")

	return img, nil
}

func openMachO(path string, img *Image) error {
	var m *macho.File
	if fat, err := macho.OpenFat(path); err == nil {
		defer fat.Close()
		m = fat.Arches[len(fat.Arches)-1].File
	} else {
		m, err = macho.Open(path)
		if err != nil {
			return err
		}
		defer m.Close()
	}

	for _, sec := range m.Sections {
		if sec == nil || sec.Size == 0 || !isExecutableSection(sec) {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			log.WithError(err).WithField("section", sec.Seg+"."+sec.Name).Warn("failed to read section data")
			continue
		}
		img.Regions = append(img.Regions, Region{
			Name: sec.Seg + "." + sec.Name,
			Addr: sec.Addr,
			Data: data,
		})
	}

	return nil
}

func isExecutableSection(sec *types.Section) bool {
	if (sec.Seg == "__TEXT" || sec.Seg == "__TEXT_EXEC") && strings.HasPrefix(sec.Name, "__text") {
		return true
	}
	return sec.Flags.IsPureInstructions() || sec.Flags.IsSomeInstructions()
}

func openELF(path string, img *Image) error {
	f, err := elf.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, sec := range f.Sections {
		if sec.Flags&elf.SHF_EXECINSTR == 0 || sec.Size == 0 || sec.Type == elf.SHT_NOBITS {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			log.WithError(err).WithField("section", sec.Name).Warn("failed to read section data")
			continue
		}
		img.Regions = append(img.Regions, Region{
			Name: sec.Name,
			Addr: sec.Addr,
			Data: data,
		})
	}

	return nil
}

func openPE(path string, img *Image) error {
	f, err := pe.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var base uint64
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		base = uint64(oh.ImageBase)
	case *pe.OptionalHeader64:
		base = oh.ImageBase
	}

	const imageScnMemExecute = 0x20000000
	for _, sec := range f.Sections {
		if sec.Characteristics&imageScnMemExecute == 0 || sec.Size == 0 {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			log.WithError(err).WithField("section", sec.Name).Warn("failed to read section data")
			continue
		}
		img.Regions = append(img.Regions, Region{
			Name: sec.Name,
			Addr: base + uint64(sec.VirtualAddress),
			Data: data,
		})
	}

	return nil
}
