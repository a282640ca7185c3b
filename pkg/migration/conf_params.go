package migration

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/go-ini/ini"
)

const confSectionPrefix = "migration:"

// LoadUserInfos reads migration definitions from an ini file. Each
// destination table gets its own section:
//
//	[migration:cache_item]
//	source_table = cache_item
//	source_path  = /data/legacy.db
//	cipher_hex   = 2a9f...
//	need_raw_cipher = true
//
// source_path and the cipher keys are optional; an absent path means the
// source table lives in the main database file.
func LoadUserInfos(confFilePath string) ([]*MigrationUserInfo, error) {
	f, err := ini.Load(confFilePath)
	if err != nil {
		return nil, err
	}
	var infos []*MigrationUserInfo
	for _, sec := range f.Sections() {
		name := sec.Name()
		if !strings.HasPrefix(name, confSectionPrefix) {
			continue
		}
		tableName := strings.TrimPrefix(name, confSectionPrefix)
		sourceTable := sec.Key("source_table").String()
		if sourceTable == "" {
			return nil, fmt.Errorf("section [%s] is missing source_table", name)
		}
		info := NewMigrationUserInfo(tableName)
		info.SetSource(sourceTable, sec.Key("source_path").String())
		if cipherHex := sec.Key("cipher_hex").String(); cipherHex != "" {
			cipher, err := hex.DecodeString(cipherHex)
			if err != nil {
				return nil, fmt.Errorf("section [%s]: invalid cipher_hex: %w", name, err)
			}
			info.SetSourceCipher(cipher)
		}
		info.SetNeedRawSourceCipher(sec.Key("need_raw_cipher").MustBool(false))
		infos = append(infos, info)
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("no [%s<table>] sections in %s", confSectionPrefix, confFilePath)
	}
	return infos, nil
}
