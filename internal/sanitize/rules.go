package sanitize

import (
	"bytes"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultAllowedMimeTypes is used when no allow-list is configured.
var DefaultAllowedMimeTypes = []string{
	// Documents
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.ms-powerpoint",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"application/vnd.oasis.opendocument.text",
	"application/vnd.oasis.opendocument.spreadsheet",
	"application/rtf",
	"text/plain",
	"text/csv",
	"text/markdown",
	"application/json",
	"application/xml",

	// Images
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/bmp",
	"image/tiff",
	"image/heic",

	// Audio
	"audio/mpeg",
	"audio/ogg",
	"audio/wav",
	"audio/webm",
	"audio/flac",
	"audio/mp4",

	// Video
	"video/mp4",
	"video/mpeg",
	"video/ogg",
	"video/webm",
	"video/quicktime",
	"video/x-msvideo",

	// Archives
	"application/zip",
	"application/x-tar",
	"application/gzip",
	"application/x-7z-compressed",
	"application/x-rar-compressed",
	"application/vnd.rar",
}

// deniedExtensions are refused whatever MIME type the client declares.
var deniedExtensions = map[string]bool{
	// native executables and installers
	"exe": true, "dll": true, "com": true, "scr": true, "pif": true,
	"msi": true, "msp": true, "cpl": true, "sys": true, "ocx": true,
	"so": true, "dylib": true, "elf": true, "app": true, "deb": true,
	"rpm": true, "dmg": true, "pkg": true, "apk": true, "jar": true,
	"class": true,
	// shell and interpreter scripts
	"sh": true, "bash": true, "zsh": true, "csh": true, "ksh": true,
	"fish": true, "command": true, "bat": true, "cmd": true, "ps1": true,
	"psm1": true, "vbs": true, "vbe": true, "js": true, "mjs": true,
	"jse": true, "wsf": true, "wsh": true, "hta": true, "py": true,
	"pyc": true, "pl": true, "rb": true, "lua": true, "tcl": true,
	// server-side web scripts
	"php": true, "php3": true, "php4": true, "php5": true, "php7": true,
	"phtml": true, "phar": true, "asp": true, "aspx": true, "ashx": true,
	"asmx": true, "jsp": true, "jspx": true, "cgi": true, "shtml": true,
	"cfm": true,
}

// executableMagic lists leading byte signatures of native executables.
var executableMagic = [][]byte{
	[]byte("MZ"),             // PE / DOS
	[]byte("\x7fELF"),        // ELF
	{0xfe, 0xed, 0xfa, 0xce}, // Mach-O 32-bit, big-endian
	{0xce, 0xfa, 0xed, 0xfe}, // Mach-O 32-bit, little-endian
	{0xfe, 0xed, 0xfa, 0xcf}, // Mach-O 64-bit, big-endian
	{0xcf, 0xfa, 0xed, 0xfe}, // Mach-O 64-bit, little-endian
	{0xca, 0xfe, 0xba, 0xbe}, // Mach-O fat/universal
	{0xbe, 0xba, 0xfe, 0xca}, // Mach-O fat/universal, swapped
}

// blockedDetected are sniffed types refused even when the leading bytes
// carry no native executable signature.
var blockedDetected = []string{
	"application/vnd.microsoft.portable-executable",
	"application/x-msdownload",
	"application/x-elf",
	"application/x-executable",
	"application/x-sharedlib",
	"application/x-mach-binary",
	"application/x-coredump",
	"application/x-object",
	"application/java-archive",
	"application/x-java-applet",
	"text/x-shellscript",
	"text/x-php",
	"text/x-python",
	"text/x-perl",
	"text/x-lua",
	"text/x-tcl",
	"application/x-ms-shortcut",
}

func hasExecutableMagic(head []byte) bool {
	for _, sig := range executableMagic {
		if bytes.HasPrefix(head, sig) {
			return true
		}
	}
	return false
}

// blockedType reports the sniffed type when it, or any type it derives
// from, is on the blocked list.
func blockedType(head []byte) (string, bool) {
	detected := mimetype.Detect(head)
	for m := detected; m != nil; m = m.Parent() {
		for _, b := range blockedDetected {
			if m.Is(b) {
				return detected.String(), true
			}
		}
	}
	return detected.String(), false
}

// deniedName reports whether any dotted suffix of name is a denied
// extension, so "invoice.php.jpg" is caught as well as "setup.exe".
func deniedName(name string) bool {
	parts := strings.Split(strings.ToLower(name), ".")
	for _, p := range parts[1:] {
		if deniedExtensions[strings.TrimSpace(p)] {
			return true
		}
	}
	return false
}

// storageExt returns the final extension of name when it is short and made
// of [a-z0-9] only, otherwise "".
func storageExt(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return ""
	}
	ext := strings.ToLower(name[i+1:])
	if len(ext) > maxExtLen {
		return ""
	}
	for j := 0; j < len(ext); j++ {
		c := ext[j]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return ""
		}
	}
	return "." + ext
}
