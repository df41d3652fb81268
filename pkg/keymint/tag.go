package keymint

import "fmt"

// TagType is the type class carried in the top four bits of a Tag.
type TagType uint32

const (
	TypeInvalid  TagType = 0 << 28
	TypeEnum     TagType = 1 << 28
	TypeEnumRep  TagType = 2 << 28
	TypeUint     TagType = 3 << 28
	TypeUintRep  TagType = 4 << 28
	TypeUlong    TagType = 5 << 28
	TypeDate     TagType = 6 << 28
	TypeBool     TagType = 7 << 28
	TypeBignum   TagType = 8 << 28
	TypeBytes    TagType = 9 << 28
	TypeUlongRep TagType = 10 << 28
)

const typeMask = 0xF0000000

// IsRepeated reports whether occurrences of the class are aggregated into one entry.
func (t TagType) IsRepeated() bool {
	return t == TypeEnumRep || t == TypeUintRep || t == TypeUlongRep
}

// IsValid reports whether t is one of the closed set of known classes.
func (t TagType) IsValid() bool {
	switch t {
	case TypeEnum, TypeEnumRep, TypeUint, TypeUintRep, TypeUlong, TypeDate,
		TypeBool, TypeBignum, TypeBytes, TypeUlongRep:
		return true
	default:
		return false
	}
}

func (t TagType) String() string {
	switch t {
	case TypeInvalid:
		return "INVALID"
	case TypeEnum:
		return "ENUM"
	case TypeEnumRep:
		return "ENUM_REP"
	case TypeUint:
		return "UINT"
	case TypeUintRep:
		return "UINT_REP"
	case TypeUlong:
		return "ULONG"
	case TypeDate:
		return "DATE"
	case TypeBool:
		return "BOOL"
	case TypeBignum:
		return "BIGNUM"
	case TypeBytes:
		return "BYTES"
	case TypeUlongRep:
		return "ULONG_REP"
	default:
		return fmt.Sprintf("TagType(0x%08X)", uint32(t))
	}
}

// Tag identifies a key parameter.
type Tag uint32

// TypeOf returns the type class of a tag.
func TypeOf(t Tag) TagType {
	return TagType(uint32(t) & typeMask)
}

// Number returns the tag with its type class stripped.
func (t Tag) Number() uint32 {
	return uint32(t) &^ typeMask
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("%s|%d", TypeOf(t), t.Number())
}

// Key parameter tags. The numbering is a compatibility contract with the applet.
const (
	TAG_INVALID                     Tag = Tag(TypeInvalid) | 0
	TAG_PURPOSE                     Tag = Tag(TypeEnumRep) | 1
	TAG_ALGORITHM                   Tag = Tag(TypeEnum) | 2
	TAG_KEY_SIZE                    Tag = Tag(TypeUint) | 3
	TAG_BLOCK_MODE                  Tag = Tag(TypeEnumRep) | 4
	TAG_DIGEST                      Tag = Tag(TypeEnumRep) | 5
	TAG_PADDING                     Tag = Tag(TypeEnumRep) | 6
	TAG_CALLER_NONCE                Tag = Tag(TypeBool) | 7
	TAG_MIN_MAC_LENGTH              Tag = Tag(TypeUint) | 8
	TAG_KDF                         Tag = Tag(TypeEnumRep) | 9
	TAG_EC_CURVE                    Tag = Tag(TypeEnum) | 10
	TAG_RSA_PUBLIC_EXPONENT         Tag = Tag(TypeUlong) | 200
	TAG_INCLUDE_UNIQUE_ID           Tag = Tag(TypeBool) | 202
	TAG_RSA_OAEP_MGF_DIGEST         Tag = Tag(TypeEnumRep) | 203
	TAG_BLOB_USAGE_REQUIREMENTS     Tag = Tag(TypeEnum) | 301
	TAG_BOOTLOADER_ONLY             Tag = Tag(TypeBool) | 302
	TAG_ROLLBACK_RESISTANCE         Tag = Tag(TypeBool) | 303
	TAG_EARLY_BOOT_ONLY             Tag = Tag(TypeBool) | 305
	TAG_ACTIVE_DATETIME             Tag = Tag(TypeDate) | 400
	TAG_ORIGINATION_EXPIRE_DATETIME Tag = Tag(TypeDate) | 401
	TAG_USAGE_EXPIRE_DATETIME       Tag = Tag(TypeDate) | 402
	TAG_MIN_SECONDS_BETWEEN_OPS     Tag = Tag(TypeUint) | 403
	TAG_MAX_USES_PER_BOOT           Tag = Tag(TypeUint) | 404
	TAG_USAGE_COUNT_LIMIT           Tag = Tag(TypeUint) | 405
	TAG_USER_ID                     Tag = Tag(TypeUint) | 501
	TAG_USER_SECURE_ID              Tag = Tag(TypeUlongRep) | 502
	TAG_NO_AUTH_REQUIRED            Tag = Tag(TypeBool) | 503
	TAG_USER_AUTH_TYPE              Tag = Tag(TypeEnum) | 504
	TAG_AUTH_TIMEOUT                Tag = Tag(TypeUint) | 505
	TAG_ALLOW_WHILE_ON_BODY         Tag = Tag(TypeBool) | 506
	TAG_TRUSTED_USER_PRESENCE_REQ   Tag = Tag(TypeBool) | 507
	TAG_TRUSTED_CONFIRMATION_REQ    Tag = Tag(TypeBool) | 508
	TAG_UNLOCKED_DEVICE_REQUIRED    Tag = Tag(TypeBool) | 509
	TAG_APPLICATION_ID              Tag = Tag(TypeBytes) | 601
	TAG_APPLICATION_DATA            Tag = Tag(TypeBytes) | 700
	TAG_CREATION_DATETIME           Tag = Tag(TypeDate) | 701
	TAG_ORIGIN                      Tag = Tag(TypeEnum) | 702
	TAG_ROOT_OF_TRUST               Tag = Tag(TypeBytes) | 704
	TAG_OS_VERSION                  Tag = Tag(TypeUint) | 705
	TAG_OS_PATCHLEVEL               Tag = Tag(TypeUint) | 706
	TAG_UNIQUE_ID                   Tag = Tag(TypeBytes) | 707
	TAG_ATTESTATION_CHALLENGE       Tag = Tag(TypeBytes) | 708
	TAG_ATTESTATION_APPLICATION_ID  Tag = Tag(TypeBytes) | 709
	TAG_ATTESTATION_ID_BRAND        Tag = Tag(TypeBytes) | 710
	TAG_ATTESTATION_ID_DEVICE       Tag = Tag(TypeBytes) | 711
	TAG_ATTESTATION_ID_PRODUCT      Tag = Tag(TypeBytes) | 712
	TAG_ATTESTATION_ID_SERIAL       Tag = Tag(TypeBytes) | 713
	TAG_ATTESTATION_ID_IMEI         Tag = Tag(TypeBytes) | 714
	TAG_ATTESTATION_ID_MEID         Tag = Tag(TypeBytes) | 715
	TAG_ATTESTATION_ID_MANUFACTURER Tag = Tag(TypeBytes) | 716
	TAG_ATTESTATION_ID_MODEL        Tag = Tag(TypeBytes) | 717
	TAG_VENDOR_PATCHLEVEL           Tag = Tag(TypeUint) | 718
	TAG_BOOT_PATCHLEVEL             Tag = Tag(TypeUint) | 719
	TAG_DEVICE_UNIQUE_ATTESTATION   Tag = Tag(TypeBool) | 720
	TAG_IDENTITY_CREDENTIAL_KEY     Tag = Tag(TypeBool) | 721
	TAG_STORAGE_KEY                 Tag = Tag(TypeBool) | 722
	TAG_ATTESTATION_ID_SECOND_IMEI  Tag = Tag(TypeBytes) | 723
	TAG_MODULE_HASH                 Tag = Tag(TypeBytes) | 724
	TAG_ASSOCIATED_DATA             Tag = Tag(TypeBytes) | 1000
	TAG_NONCE                       Tag = Tag(TypeBytes) | 1001
	TAG_MAC_LENGTH                  Tag = Tag(TypeUint) | 1003
	TAG_RESET_SINCE_ID_ROTATION     Tag = Tag(TypeBool) | 1004
	TAG_CONFIRMATION_TOKEN          Tag = Tag(TypeBytes) | 1005
	TAG_CERTIFICATE_SERIAL          Tag = Tag(TypeBignum) | 1006
	TAG_CERTIFICATE_SUBJECT         Tag = Tag(TypeBytes) | 1007
	TAG_CERTIFICATE_NOT_BEFORE      Tag = Tag(TypeDate) | 1008
	TAG_CERTIFICATE_NOT_AFTER       Tag = Tag(TypeDate) | 1009
	TAG_MAX_BOOT_LEVEL              Tag = Tag(TypeUint) | 1010
)

var tagNames = map[Tag]string{
	TAG_INVALID:                     "INVALID",
	TAG_PURPOSE:                     "PURPOSE",
	TAG_ALGORITHM:                   "ALGORITHM",
	TAG_KEY_SIZE:                    "KEY_SIZE",
	TAG_BLOCK_MODE:                  "BLOCK_MODE",
	TAG_DIGEST:                      "DIGEST",
	TAG_PADDING:                     "PADDING",
	TAG_CALLER_NONCE:                "CALLER_NONCE",
	TAG_MIN_MAC_LENGTH:              "MIN_MAC_LENGTH",
	TAG_KDF:                         "KDF",
	TAG_EC_CURVE:                    "EC_CURVE",
	TAG_RSA_PUBLIC_EXPONENT:         "RSA_PUBLIC_EXPONENT",
	TAG_INCLUDE_UNIQUE_ID:           "INCLUDE_UNIQUE_ID",
	TAG_RSA_OAEP_MGF_DIGEST:         "RSA_OAEP_MGF_DIGEST",
	TAG_BLOB_USAGE_REQUIREMENTS:     "BLOB_USAGE_REQUIREMENTS",
	TAG_BOOTLOADER_ONLY:             "BOOTLOADER_ONLY",
	TAG_ROLLBACK_RESISTANCE:         "ROLLBACK_RESISTANCE",
	TAG_EARLY_BOOT_ONLY:             "EARLY_BOOT_ONLY",
	TAG_ACTIVE_DATETIME:             "ACTIVE_DATETIME",
	TAG_ORIGINATION_EXPIRE_DATETIME: "ORIGINATION_EXPIRE_DATETIME",
	TAG_USAGE_EXPIRE_DATETIME:       "USAGE_EXPIRE_DATETIME",
	TAG_MIN_SECONDS_BETWEEN_OPS:     "MIN_SECONDS_BETWEEN_OPS",
	TAG_MAX_USES_PER_BOOT:           "MAX_USES_PER_BOOT",
	TAG_USAGE_COUNT_LIMIT:           "USAGE_COUNT_LIMIT",
	TAG_USER_ID:                     "USER_ID",
	TAG_USER_SECURE_ID:              "USER_SECURE_ID",
	TAG_NO_AUTH_REQUIRED:            "NO_AUTH_REQUIRED",
	TAG_USER_AUTH_TYPE:              "USER_AUTH_TYPE",
	TAG_AUTH_TIMEOUT:                "AUTH_TIMEOUT",
	TAG_ALLOW_WHILE_ON_BODY:         "ALLOW_WHILE_ON_BODY",
	TAG_TRUSTED_USER_PRESENCE_REQ:   "TRUSTED_USER_PRESENCE_REQUIRED",
	TAG_TRUSTED_CONFIRMATION_REQ:    "TRUSTED_CONFIRMATION_REQUIRED",
	TAG_UNLOCKED_DEVICE_REQUIRED:    "UNLOCKED_DEVICE_REQUIRED",
	TAG_APPLICATION_ID:              "APPLICATION_ID",
	TAG_APPLICATION_DATA:            "APPLICATION_DATA",
	TAG_CREATION_DATETIME:           "CREATION_DATETIME",
	TAG_ORIGIN:                      "ORIGIN",
	TAG_ROOT_OF_TRUST:               "ROOT_OF_TRUST",
	TAG_OS_VERSION:                  "OS_VERSION",
	TAG_OS_PATCHLEVEL:               "OS_PATCHLEVEL",
	TAG_UNIQUE_ID:                   "UNIQUE_ID",
	TAG_ATTESTATION_CHALLENGE:       "ATTESTATION_CHALLENGE",
	TAG_ATTESTATION_APPLICATION_ID:  "ATTESTATION_APPLICATION_ID",
	TAG_ATTESTATION_ID_BRAND:        "ATTESTATION_ID_BRAND",
	TAG_ATTESTATION_ID_DEVICE:       "ATTESTATION_ID_DEVICE",
	TAG_ATTESTATION_ID_PRODUCT:      "ATTESTATION_ID_PRODUCT",
	TAG_ATTESTATION_ID_SERIAL:       "ATTESTATION_ID_SERIAL",
	TAG_ATTESTATION_ID_IMEI:         "ATTESTATION_ID_IMEI",
	TAG_ATTESTATION_ID_MEID:         "ATTESTATION_ID_MEID",
	TAG_ATTESTATION_ID_MANUFACTURER: "ATTESTATION_ID_MANUFACTURER",
	TAG_ATTESTATION_ID_MODEL:        "ATTESTATION_ID_MODEL",
	TAG_VENDOR_PATCHLEVEL:           "VENDOR_PATCHLEVEL",
	TAG_BOOT_PATCHLEVEL:             "BOOT_PATCHLEVEL",
	TAG_DEVICE_UNIQUE_ATTESTATION:   "DEVICE_UNIQUE_ATTESTATION",
	TAG_IDENTITY_CREDENTIAL_KEY:     "IDENTITY_CREDENTIAL_KEY",
	TAG_STORAGE_KEY:                 "STORAGE_KEY",
	TAG_ATTESTATION_ID_SECOND_IMEI:  "ATTESTATION_ID_SECOND_IMEI",
	TAG_MODULE_HASH:                 "MODULE_HASH",
	TAG_ASSOCIATED_DATA:             "ASSOCIATED_DATA",
	TAG_NONCE:                       "NONCE",
	TAG_MAC_LENGTH:                  "MAC_LENGTH",
	TAG_RESET_SINCE_ID_ROTATION:     "RESET_SINCE_ID_ROTATION",
	TAG_CONFIRMATION_TOKEN:          "CONFIRMATION_TOKEN",
	TAG_CERTIFICATE_SERIAL:          "CERTIFICATE_SERIAL",
	TAG_CERTIFICATE_SUBJECT:         "CERTIFICATE_SUBJECT",
	TAG_CERTIFICATE_NOT_BEFORE:      "CERTIFICATE_NOT_BEFORE",
	TAG_CERTIFICATE_NOT_AFTER:       "CERTIFICATE_NOT_AFTER",
	TAG_MAX_BOOT_LEVEL:              "MAX_BOOT_LEVEL",
}
