package slc_test

import (
	"fmt"

	"github.com/go-digitaltwin/go-testbackend/slc"
)

func ExampleMergeLanguages() {
	languages := "R=builtin_r JAVA=builtin_java PYTHON3=builtin_python3"
	fmt.Println(slc.MergeLanguages(languages, "PYTHON3_TE", "localzmq+protobuf:///bfsdefault/default/te?lang=python"))
	fmt.Println(slc.MergeLanguages(languages, "java", "builtin_java17"))
	// Output:
	// R=builtin_r JAVA=builtin_java PYTHON3=builtin_python3 PYTHON3_TE=localzmq+protobuf:///bfsdefault/default/te?lang=python
	// R=builtin_r java=builtin_java17 PYTHON3=builtin_python3
}
