// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fsdetect

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Linux gives us a magic number rather than a name. The interesting subset;
// everything else reports as unknown with the magic included.
var fstypeNames = map[int64]string{
	0x61756673: "aufs",
	0x9123683e: "btrfs",
	0xff534d42: "cifs",
	0x64626720: "debugfs",
	0x00004244: "hfs",
	0xf995e849: "hpfs",
	0x958458f6: "hugetlbfs",
	0x9660:     "iso9660",
	0x3153464a: "jfs",
	0x0000ef53: "ext",
	0x00006969: "nfs",
	0x5346544e: "ntfs",
	0x794c7630: "overlayfs",
	0x50495045: "pipefs",
	0x0000002f: "qnx4",
	0x52654973: "reiserfs",
	0x73717368: "squashfs",
	0x517b:     "smb",
	0x01021994: "tmpfs",
	0x15013346: "udf",
	0x00011954: "ufs",
	0x01021997: "v9fs",
	0xa501fcf5: "vxfs",
	0x58465342: "xfs",
	0x2fc12fc1: "zfs",
	0x65735546: "fuse",
	0x19830326: "fhgfs",
	0x65735543: "fusectl",
	0x1161970:  "gfs2",
	0x47504653: "gpfs",
	0x6b414653: "k-afs",
	0x0bd00bd0: "lustre",
	0x4d44:     "msdos",
	0x564c:     "ncp",
	0x7461636f: "ocfs2",
}

func fstype(path string) string {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		l.Debugln("statfs", path, err)
		return "unknown"
	}
	if name, ok := fstypeNames[int64(st.Type)]; ok {
		return name
	}
	return fmt.Sprintf("unknown (0x%x)", st.Type)
}
