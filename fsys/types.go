package fsys

// Type identifies a file system format.
type Type int

const (
	Unknown Type = iota
	NTFS
	FAT12
	FAT16
	FAT32
	Ext2
	Ext3
	FFS1  // UFS1
	FFS1B // UFS1 with the Solaris layout
	FFS2  // UFS2
	ISO9660
	Raw
	Swap
)

func (t Type) String() string {
	switch t {
	case NTFS:
		return "NTFS"
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	case FAT32:
		return "FAT32"
	case Ext2:
		return "Ext2"
	case Ext3:
		return "Ext3"
	case FFS1:
		return "UFS1"
	case FFS1B:
		return "UFS1b"
	case FFS2:
		return "UFS2"
	case ISO9660:
		return "ISO9660"
	case Raw:
		return "Raw"
	case Swap:
		return "Swap"
	default:
		return "unknown"
	}
}

// IsFAT returns true if the type is any FAT variant
func (t Type) IsFAT() bool {
	return t == FAT12 || t == FAT16 || t == FAT32
}

// IsExt returns true if the type is any ext variant
func (t Type) IsExt() bool {
	return t == Ext2 || t == Ext3
}

// IsFFS returns true if the type is any UFS variant
func (t Type) IsFFS() bool {
	return t == FFS1 || t == FFS1B || t == FFS2
}
