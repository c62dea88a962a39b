// Package rangefs mounts a remote, read-only file collection served over
// HTTP and reads file contents on demand with range requests.
//
// A mount starts from a listing document fetched from the base URL. The
// listing maps names to either a file size (a file) or a nested mapping
// (a directory):
//
//	{
//	  "readme.txt": 1234,
//	  "data": {"a.bin": 10485760}
//	}
//
// JSON listings may contain comments and trailing commas; listings named
// *.yaml or *.yml are parsed as YAML.
//
// # Reading
//
// Files are split into fixed-size blocks (1 MiB by default). A read maps
// its byte window to a block window, assembles it from cache when every
// block is present, and otherwise issues one GET covering the missing
// window:
//
//	fsys, err := rangefs.New(ctx, "https://files.example.com/game")
//	if err != nil {
//	    return err
//	}
//	data, err := fsys.Read(ctx, "/data/a.bin", 1_500_000, 1_000_001)
//
// Servers that ignore the Range header and return the whole file are
// handled by caching every block the body covers. Concurrent reads of the
// same window share one request.
//
// # Persistent cache
//
// WithCacheDir keeps fetched blocks on disk so later mounts of the same
// collection skip the network:
//
//	fsys, err := rangefs.New(ctx, baseURL, rangefs.WithCacheDir("/var/cache/rangefs"))
//
// FS implements fs.FS, fs.StatFS, fs.ReadDirFS and fs.ReadFileFS. The
// fuse subpackage exposes a mount through the kernel.
package rangefs
