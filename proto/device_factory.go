package proto

import "navy/device"

// CreateFileDevice mirrors createFileDevice(): a direct-I/O single file
// device of singleFileSize bytes.
func CreateFileDevice(fileName string, singleFileSize uint64, truncateFile bool, blockSize uint32, encryptor device.Encryptor, maxDeviceWriteSize uint32) (device.Device, error) {
	return device.NewFileDevice(fileName, singleFileSize, truncateFile, blockSize, encryptor, maxDeviceWriteSize)
}

// CreateRAIDDevice mirrors createRAIDDevice(): a direct-I/O RAID0 device
// striping writes across len(raidPaths) files, each fdsize bytes.
func CreateRAIDDevice(raidPaths []string, fdsize uint64, truncateFile bool, blockSize uint32, stripeSize uint32, encryptor device.Encryptor, maxDeviceWriteSize uint32) (device.Device, error) {
	files := make([]*device.FileDevice, len(raidPaths))
	for i, path := range raidPaths {
		f, err := device.NewFileDevice(path, fdsize, truncateFile, blockSize, encryptor, maxDeviceWriteSize)
		if err != nil {
			return nil, err
		}
		files[i] = f
	}
	return device.NewRAID0Device(files, stripeSize)
}
