package layout

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/iqyx/sffs"
	"github.com/noxer/bytewriter"
)

// MetadataMagic marks every sector's metadata header.
const MetadataMagic uint32 = 0x87985214

// MasterMagic marks the master page, stored as file 0 block 0.
const MasterMagic uint32 = 0x93827485

// HeaderSize is the on-flash size of a sector metadata header.
const HeaderSize = 8

// ItemSize is the on-flash size of one metadata item.
const ItemSize = 8

// MasterPageSize is the on-flash size of the master page payload.
const MasterPageSize = 24

// SectorState is the state byte of a sector metadata header. The byte codes
// form a chain along the legal transition order ERASED → USED → FULL →
// DIRTY in which every step, including skips, only clears bits. Only a
// sector erase goes back.
type SectorState uint8

const (
	SectorErased SectorState = 0xDE
	SectorUsed   SectorState = 0xD6
	SectorFull   SectorState = 0x56
	SectorDirty  SectorState = 0x46
)

func (s SectorState) String() string {
	switch s {
	case SectorErased:
		return "erased"
	case SectorUsed:
		return "used"
	case SectorFull:
		return "full"
	case SectorDirty:
		return "dirty"
	}
	return fmt.Sprintf("invalid(0x%02x)", uint8(s))
}

// PageState is the state byte of a metadata item. The codes have strictly
// decreasing bit population along ERASED → USED → MOVING → RESERVED → OLD,
// and every forward step, including skips, only clears bits. A freshly
// erased item reads as 0xFF until the first program touches it; both 0xFF
// and the ERASED code mean the data page is free.
type PageState uint8

const (
	PageErased   PageState = 0xB7
	PageUsed     PageState = 0xB5
	PageMoving   PageState = 0x35
	PageReserved PageState = 0x34
	PageOld      PageState = 0x24
)

func (s PageState) String() string {
	switch s {
	case PageErased:
		return "erased"
	case PageUsed:
		return "used"
	case PageMoving:
		return "moving"
	case PageReserved:
		return "reserved"
	case PageOld:
		return "old"
	}
	return fmt.Sprintf("invalid(0x%02x)", uint8(s))
}

// sectorChain and pageChain list the states in their legal forward order.
// Transitions may skip ahead but never go back.
var sectorChain = []SectorState{SectorErased, SectorUsed, SectorFull, SectorDirty}
var pageChain = []PageState{PageErased, PageUsed, PageMoving, PageReserved, PageOld}

// VerifyStateCodes checks that every legal forward transition of both state
// machines is programmable on NOR flash, i.e. only clears bits, and that
// the bit population strictly decreases along each chain. Mount refuses to
// proceed if this fails; it can only fail if the codes above were edited.
func VerifyStateCodes() error {
	for i, from := range sectorChain {
		for _, to := range sectorChain[i+1:] {
			if uint8(from)&uint8(to) != uint8(to) {
				return sffs.ErrCorrupted.WithMessage(fmt.Sprintf(
					"sector state transition %v -> %v sets bits", from, to))
			}
			if bits.OnesCount8(uint8(to)) >= bits.OnesCount8(uint8(from)) {
				return sffs.ErrCorrupted.WithMessage(fmt.Sprintf(
					"sector state %v does not lose bits towards %v", from, to))
			}
		}
	}
	for i, from := range pageChain {
		for _, to := range pageChain[i+1:] {
			if uint8(from)&uint8(to) != uint8(to) {
				return sffs.ErrCorrupted.WithMessage(fmt.Sprintf(
					"page state transition %v -> %v sets bits", from, to))
			}
			if bits.OnesCount8(uint8(to)) >= bits.OnesCount8(uint8(from)) {
				return sffs.ErrCorrupted.WithMessage(fmt.Sprintf(
					"page state %v does not lose bits towards %v", from, to))
			}
		}
	}
	return nil
}

// CanProgram reports whether `to` is reachable from `from` with a single
// AND-only program of the state byte.
func CanProgram(from, to uint8) bool {
	return from&to == to
}

// Header is a sector's metadata header as stored at the sector base.
type Header struct {
	Magic             uint32
	State             SectorState
	MetadataPageCount uint8
	MetadataItemCount uint8
	Reserved          uint8
}

// Item is one metadata item. Exactly one item describes exactly one data
// page in the same sector.
type Item struct {
	FileID   sffs.FileID
	Block    uint16
	State    PageState
	Size     uint16
	Reserved uint8
}

// MasterPage is the payload of file 0, block 0: a geometry echo plus a
// human-readable label, validated at mount.
type MasterPage struct {
	Magic       uint32
	PageSize    uint32
	SectorSize  uint32
	SectorCount uint32
	Label       [8]byte
}

// rawHeader mirrors Header with fixed-size fields only, for encoding/binary.
type rawHeader struct {
	Magic             uint32
	State             uint8
	MetadataPageCount uint8
	MetadataItemCount uint8
	Reserved          uint8
}

type rawItem struct {
	FileID   uint16
	Block    uint16
	State    uint8
	Size     uint16
	Reserved uint8
}

// EncodeHeader serializes a header into buf, which must be at least
// HeaderSize bytes long.
func EncodeHeader(buf []byte, header Header) error {
	writer := bytewriter.New(buf)
	raw := rawHeader{
		Magic:             header.Magic,
		State:             uint8(header.State),
		MetadataPageCount: header.MetadataPageCount,
		MetadataItemCount: header.MetadataItemCount,
		Reserved:          header.Reserved,
	}
	if err := binary.Write(writer, binary.LittleEndian, &raw); err != nil {
		return sffs.ErrInvalidArgument.Wrap(err)
	}
	return nil
}

// DecodeHeader deserializes a header from buf. No validity checks are done
// here; use CheckHeader.
func DecodeHeader(buf []byte) (Header, error) {
	var raw rawHeader
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &raw); err != nil {
		return Header{}, sffs.ErrInvalidArgument.Wrap(err)
	}
	return Header{
		Magic:             raw.Magic,
		State:             SectorState(raw.State),
		MetadataPageCount: raw.MetadataPageCount,
		MetadataItemCount: raw.MetadataItemCount,
		Reserved:          raw.Reserved,
	}, nil
}

// CheckHeader performs the sanity checks that every header read goes
// through: magic and a metadata page count that fits the sector.
func CheckHeader(geo Geometry, header Header) error {
	if header.Magic != MetadataMagic {
		return sffs.ErrCorrupted.WithMessage(fmt.Sprintf(
			"bad metadata magic 0x%08x", header.Magic))
	}
	if uint32(header.MetadataPageCount) >= geo.SectorSize/geo.PageSize {
		return sffs.ErrCorrupted.WithMessage(fmt.Sprintf(
			"metadata page count %d does not fit the sector",
			header.MetadataPageCount))
	}
	return nil
}

// EncodeItem serializes an item into buf, which must be at least ItemSize
// bytes long.
func EncodeItem(buf []byte, item Item) error {
	writer := bytewriter.New(buf)
	raw := rawItem{
		FileID:   uint16(item.FileID),
		Block:    item.Block,
		State:    uint8(item.State),
		Size:     item.Size,
		Reserved: item.Reserved,
	}
	if err := binary.Write(writer, binary.LittleEndian, &raw); err != nil {
		return sffs.ErrInvalidArgument.Wrap(err)
	}
	return nil
}

// DecodeItem deserializes an item from buf.
func DecodeItem(buf []byte) (Item, error) {
	var raw rawItem
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &raw); err != nil {
		return Item{}, sffs.ErrInvalidArgument.Wrap(err)
	}
	return Item{
		FileID:   sffs.FileID(raw.FileID),
		Block:    raw.Block,
		State:    PageState(raw.State),
		Size:     raw.Size,
		Reserved: raw.Reserved,
	}, nil
}

// Free reports whether the item's data page is available for allocation:
// never programmed since the last erase.
func (item Item) Free() bool {
	return (item.State == PageErased || item.State == 0xFF) &&
		item.FileID == sffs.InvalidFileID
}

// Readable reports whether the item holds live file content.
func (item Item) Readable() bool {
	return item.State == PageUsed || item.State == PageMoving
}

// Abandoned reports whether the item was claimed by a writer that never
// committed: the page fields are programmed but the state byte still reads
// as erased.
func (item Item) Abandoned() bool {
	return (item.State == PageErased || item.State == 0xFF) &&
		item.FileID != sffs.InvalidFileID
}

// Offsets of single-byte and single-field programs within an item or a
// header, used to update state without rewriting the whole record.
const (
	HeaderStateOffset = 4
	ItemStateOffset   = 4
	ItemSizeOffset    = 5
)

// EncodeMasterPage serializes the master page payload into buf, which must
// be at least MasterPageSize bytes long.
func EncodeMasterPage(buf []byte, master MasterPage) error {
	writer := bytewriter.New(buf)
	if err := binary.Write(writer, binary.LittleEndian, &master); err != nil {
		return sffs.ErrInvalidArgument.Wrap(err)
	}
	return nil
}

// DecodeMasterPage deserializes the master page payload from buf.
func DecodeMasterPage(buf []byte) (MasterPage, error) {
	var master MasterPage
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &master); err != nil {
		return MasterPage{}, sffs.ErrInvalidArgument.Wrap(err)
	}
	return master, nil
}

// CheckMasterPage validates the master page against the mounted geometry.
func CheckMasterPage(geo Geometry, master MasterPage) error {
	if master.Magic != MasterMagic {
		return sffs.ErrCorrupted.WithMessage(fmt.Sprintf(
			"bad master page magic 0x%08x", master.Magic))
	}
	if master.PageSize != geo.PageSize ||
		master.SectorSize != geo.SectorSize ||
		master.SectorCount != geo.SectorCount {
		return sffs.ErrCorrupted.WithMessage(fmt.Sprintf(
			"master page geometry %d/%d/%d does not match device %d/%d/%d",
			master.PageSize,
			master.SectorSize,
			master.SectorCount,
			geo.PageSize,
			geo.SectorSize,
			geo.SectorCount))
	}
	return nil
}
