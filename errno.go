// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hayleyfs

import "github.com/hayleyfs/hayleyfs/hfserr"

// Errno is re-exported from hfserr so that callers of this package never
// need to import it directly, the same way errors.go re-exported bazilfuse
// errno constants under the fuse package's own namespace.
type Errno = hfserr.Errno

const (
	ENOSPC       = hfserr.NoSpace
	ENOENT       = hfserr.NoEntry
	EEXIST       = hfserr.Exists
	ENOTDIR      = hfserr.NotDir
	EISDIR       = hfserr.IsDir
	ENAMETOOLONG = hfserr.NameTooLong
	ENOTEMPTY    = hfserr.NotEmpty
	EPERM        = hfserr.NotPermitted
	EINVAL       = hfserr.Invalid
	EIO          = hfserr.IOError
)
