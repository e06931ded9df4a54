package txqueue

import "os"

func osArgs() []string { return os.Args }
