package auth

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"

	"github.com/INLOpen/nexusdb/sys"
	"golang.org/x/crypto/bcrypt"
)

const (
	// UserFileMagic identifies the user database file ("NXDU").
	UserFileMagic uint32 = 0x4E584455
	// CurrentUserFileVersion is the current version of the user file format.
	CurrentUserFileVersion uint8 = 1
)

// ErrBadUserFile is returned for user files that cannot be decoded.
var ErrBadUserFile = errors.New("invalid user file")

// UserRecord represents a single user's data within the file.
type UserRecord struct {
	Username     string
	PasswordHash string
	Role         string
}

// WriteUserFile stores users at path, replacing the file atomically. The
// layout is magic, version, user count, length-prefixed records and a CRC32
// of everything before it.
func WriteUserFile(path string, users map[string]UserRecord) error {
	names := make([]string, 0, len(users))
	for name, u := range users {
		if !ValidRole(u.Role) {
			return fmt.Errorf("user %s has unknown role %q", name, u.Role)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, UserFileMagic)
	buf.WriteByte(CurrentUserFileVersion)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(names)))
	for _, name := range names {
		u := users[name]
		for _, s := range []string{u.Username, u.PasswordHash, u.Role} {
			if err := writeString(&buf, s); err != nil {
				return fmt.Errorf("failed to encode user %s: %w", name, err)
			}
		}
	}
	_ = binary.Write(&buf, binary.LittleEndian, crc32.ChecksumIEEE(buf.Bytes()))

	if err := sys.WriteFileAtomic(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write user file: %w", err)
	}
	return nil
}

// ReadUserFile loads the users stored at path. A missing or empty file holds
// no users.
func ReadUserFile(path string) (map[string]UserRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]UserRecord), nil
		}
		return nil, fmt.Errorf("failed to open user file: %w", err)
	}
	if len(data) == 0 {
		return make(map[string]UserRecord), nil
	}
	if len(data) < 4+1+4+4 {
		return nil, fmt.Errorf("%w: file is %d bytes", ErrBadUserFile, len(data))
	}
	body, sum := data[:len(data)-4], binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrBadUserFile)
	}
	r := bytes.NewReader(body)
	var (
		magic   uint32
		version uint8
		count   uint32
	)
	_ = binary.Read(r, binary.LittleEndian, &magic)
	_ = binary.Read(r, binary.LittleEndian, &version)
	_ = binary.Read(r, binary.LittleEndian, &count)
	if magic != UserFileMagic {
		return nil, fmt.Errorf("%w: magic number %x", ErrBadUserFile, magic)
	}
	if version > CurrentUserFileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadUserFile, version)
	}

	users := make(map[string]UserRecord, count)
	for i := uint32(0); i < count; i++ {
		var fields [3]string
		for j := range fields {
			s, err := readString(r)
			if err != nil {
				return nil, fmt.Errorf("%w: record #%d: %v", ErrBadUserFile, i+1, err)
			}
			fields[j] = s
		}
		users[fields[0]] = UserRecord{Username: fields[0], PasswordHash: fields[1], Role: fields[2]}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadUserFile, r.Len())
	}
	return users, nil
}

// HashPassword hashes a password with bcrypt.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("string of %d bytes is too long", len(s))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	return string(data), nil
}
