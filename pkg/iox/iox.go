package iox

import (
	"io"
	"os"
)

func WriteStreamToFile(dstFilename string, src io.Reader) error {
	dstFile, err := os.Create(dstFilename)
	if err != nil {
		return err
	}
	defer dstFile.Close()
	_, err = io.Copy(dstFile, src)
	if err == nil {
		err = dstFile.Close()
	}
	if err != nil {
		os.Remove(dstFilename)
		return err
	}
	return nil
}

// CopyFile copies srcFilename to dstFilename, and preserves the modification time
func CopyFile(srcFilename, dstFilename string) error {
	src, err := os.Open(srcFilename)
	if err != nil {
		return err
	}
	defer src.Close()
	st, err := src.Stat()
	if err != nil {
		return err
	}
	if err := WriteStreamToFile(dstFilename, src); err != nil {
		return err
	}
	return os.Chtimes(dstFilename, st.ModTime(), st.ModTime())
}
